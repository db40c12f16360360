package healthscribe

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefinition(t *testing.T) {
	raw, err := Definition("arn:aws:lambda:us-east-1:1:function:scribe", 0)
	require.NoError(t, err)

	var sm struct {
		StartAt string `json:"StartAt"`
		States  map[string]struct {
			Type       string `json:"Type"`
			Next       string `json:"Next"`
			Seconds    int    `json:"Seconds"`
			Default    string `json:"Default"`
			Parameters struct {
				FunctionName string         `json:"FunctionName"`
				Payload      map[string]any `json:"Payload"`
			} `json:"Parameters"`
			Retry []struct {
				ErrorEquals []string `json:"ErrorEquals"`
			} `json:"Retry"`
			Choices []struct {
				StringEquals string `json:"StringEquals"`
				Next         string `json:"Next"`
			} `json:"Choices"`
		} `json:"States"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &sm))

	require.Equal(t, "StartJob", sm.StartAt)
	require.Equal(t, DefaultWaitSeconds, sm.States["Wait"].Seconds)
	require.Equal(t, "Wait", sm.States["JobComplete"].Default)

	next := map[string]string{}
	for _, c := range sm.States["JobComplete"].Choices {
		next[c.StringEquals] = c.Next
	}
	require.Equal(t, map[string]string{"COMPLETED": "CopyOutput", "FAILED": "JobFailed"}, next)

	chain := []string{}
	for s := "CopyOutput"; s != ""; s = sm.States[s].Next {
		chain = append(chain, s)
	}
	require.Equal(t, []string{"CopyOutput", "Cleanup", "StoreNotes", "Done"}, chain)
	require.Equal(t, "Succeed", sm.States["Done"].Type)
	require.Equal(t, "Fail", sm.States["JobFailed"].Type)

	for name, action := range map[string]string{
		"StartJob": ActionStart, "CheckStatus": ActionStatus, "CopyOutput": ActionCopy,
		"Cleanup": ActionCleanup, "StoreNotes": ActionStore,
	} {
		st := sm.States[name]
		require.Equal(t, "Task", st.Type, name)
		require.Equal(t, action, st.Parameters.Payload["action"], name)
		require.Equal(t, "$", st.Parameters.Payload["state.$"], name)
		require.Equal(t, "arn:aws:lambda:us-east-1:1:function:scribe", st.Parameters.FunctionName)
		require.Contains(t, st.Retry[0].ErrorEquals, "Lambda.ServiceException")
		require.Contains(t, st.Retry[0].ErrorEquals, "Lambda.TooManyRequestsException")
	}
}

func TestDefinition_RequiresLambda(t *testing.T) {
	_, err := Definition("", 10)
	require.Error(t, err)
}
