package documents

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockdataautomationruntime"
	bdatypes "github.com/aws/aws-sdk-go-v2/service/bedrockdataautomationruntime/types"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	sfntypes "github.com/aws/aws-sdk-go-v2/service/sfn/types"
	"github.com/stretchr/testify/require"

	"healthcare-agent/internal/domain"
	"healthcare-agent/internal/events"
)

type fakeBDA struct {
	in  *bedrockdataautomationruntime.InvokeDataAutomationAsyncInput
	err error
}

func (f *fakeBDA) InvokeDataAutomationAsync(_ context.Context, in *bedrockdataautomationruntime.InvokeDataAutomationAsyncInput, _ ...func(*bedrockdataautomationruntime.Options)) (*bedrockdataautomationruntime.InvokeDataAutomationAsyncOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockdataautomationruntime.InvokeDataAutomationAsyncOutput{InvocationArn: aws.String("arn:bda:invocation/1")}, nil
}

type fakeSFN struct {
	in  *sfn.StartExecutionInput
	err error
}

func (f *fakeSFN) StartExecution(_ context.Context, in *sfn.StartExecutionInput, _ ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &sfn.StartExecutionOutput{ExecutionArn: aws.String("arn:sfn:execution/1")}, nil
}

type recordedEvent struct {
	detailType string
	detail     any
}

type fakePublisher struct {
	events []recordedEvent
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, detailType string, detail any) error {
	f.events = append(f.events, recordedEvent{detailType, detail})
	return f.err
}

type routerFixture struct {
	s3     *fakeS3Get
	bda    *fakeBDA
	sfn    *fakeSFN
	events *fakePublisher
	router *Router
}

func newRouterFixture(t *testing.T, contentType string, cfg Config) *routerFixture {
	t.Helper()
	f := &routerFixture{
		s3:     &fakeS3Get{contentType: contentType},
		bda:    &fakeBDA{},
		sfn:    &fakeSFN{},
		events: &fakePublisher{},
	}
	if cfg.BDAProjectARN == "" {
		cfg.BDAProjectARN = "arn:bda:project/clinical"
	}
	if cfg.BDAProfileARN == "" {
		cfg.BDAProfileARN = "arn:bda:profile/default"
	}
	if cfg.StateMachineARN == "" {
		cfg.StateMachineARN = "arn:sfn:stateMachine/healthscribe"
	}
	r, err := NewRouter(Clients{S3: f.s3, BDA: f.bda, SFN: f.sfn, Events: f.events}, cfg, nil)
	require.NoError(t, err)
	f.router = r
	return f
}

func objectEvent(t *testing.T, bucket, key, etag string) lambdaevents.EventBridgeEvent {
	t.Helper()
	detail, err := json.Marshal(map[string]any{
		"bucket": map[string]any{"name": bucket},
		"object": map[string]any{"key": key, "size": 2048, "etag": etag},
	})
	require.NoError(t, err)
	return lambdaevents.EventBridgeEvent{ID: "evt-1", DetailType: "Object Created", Source: "aws.s3", Detail: detail}
}

func TestNewRouter_Validates(t *testing.T) {
	_, err := NewRouter(Clients{}, Config{}, nil)
	require.Error(t, err)
	_, err = NewRouter(Clients{S3: &fakeS3Get{}, BDA: &fakeBDA{}, SFN: &fakeSFN{}}, Config{StateMachineARN: "x"}, nil)
	require.Error(t, err)
	_, err = NewRouter(Clients{S3: &fakeS3Get{}, BDA: &fakeBDA{}, SFN: &fakeSFN{}}, Config{BDAProjectARN: "p", BDAProfileARN: "q"}, nil)
	require.Error(t, err)
}

func TestHandle_AudioStartsHealthScribe(t *testing.T) {
	f := newRouterFixture(t, "audio/mp4", Config{})
	res, err := f.router.Handle(context.Background(), objectEvent(t, "uploads", "P-1/visits/consult%201.m4a", "etag-9"))
	require.NoError(t, err)
	require.Equal(t, domain.RouteHealthScribe, res.Route)
	require.Equal(t, "arn:sfn:execution/1", res.ExecutionARN)
	require.Len(t, res.SessionID, 12)

	in := f.sfn.in
	require.Equal(t, "arn:sfn:stateMachine/healthscribe", aws.ToString(in.StateMachineArn))
	require.Equal(t, "hs-p-1-"+res.SessionID, aws.ToString(in.Name))
	var wf WorkflowInput
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.Input)), &wf))
	require.Equal(t, WorkflowInput{Bucket: "uploads", Key: "P-1/visits/consult 1.m4a", PatientID: "p-1", SessionID: res.SessionID}, wf)
	require.Nil(t, f.bda.in)

	require.Len(t, f.events.events, 1)
	require.Equal(t, events.DetailTypeRouted, f.events.events[0].detailType)
}

func TestHandle_DuplicateExecutionIsSuccess(t *testing.T) {
	f := newRouterFixture(t, "audio/wav", Config{})
	f.sfn.err = &sfntypes.ExecutionAlreadyExists{Message: aws.String("exists")}
	res, err := f.router.Handle(context.Background(), objectEvent(t, "uploads", "p-1/visits/a.wav", "e"))
	require.NoError(t, err)
	require.Equal(t, domain.RouteHealthScribe, res.Route)
	require.Empty(t, res.ExecutionARN)

	f.sfn.err = errors.New("throttled")
	_, err = f.router.Handle(context.Background(), objectEvent(t, "uploads", "p-1/visits/a.wav", "e"))
	require.ErrorContains(t, err, "throttled")
}

func TestHandle_DocumentStartsExtraction(t *testing.T) {
	f := newRouterFixture(t, "application/pdf", Config{ProcessingBucket: "processing", BDAStage: "development"})
	res, err := f.router.Handle(context.Background(), objectEvent(t, "uploads", "p-1/lab_results/cbc.pdf", "etag-1"))
	require.NoError(t, err)
	require.Equal(t, domain.RouteDataAutomation, res.Route)
	require.Equal(t, "arn:bda:invocation/1", res.InvocationARN)
	require.Len(t, res.DocumentID, 32)

	in := f.bda.in
	require.Equal(t, "s3://uploads/p-1/lab_results/cbc.pdf", aws.ToString(in.InputConfiguration.S3Uri))
	require.Equal(t, "s3://processing/processed/p-1_lab_results/"+res.DocumentID+"/", aws.ToString(in.OutputConfiguration.S3Uri))
	require.Equal(t, "arn:bda:project/clinical", aws.ToString(in.DataAutomationConfiguration.DataAutomationProjectArn))
	require.Equal(t, bdatypes.DataAutomationStage("DEVELOPMENT"), in.DataAutomationConfiguration.Stage)
	require.Equal(t, "arn:bda:profile/default", aws.ToString(in.DataAutomationProfileArn))
	require.True(t, aws.ToBool(in.NotificationConfiguration.EventBridgeConfiguration.EventBridgeEnabled))
	require.Equal(t, res.DocumentID, aws.ToString(in.ClientToken))
	require.Nil(t, f.sfn.in)
}

func TestHandle_ExtractionDefaultsToUploadBucket(t *testing.T) {
	f := newRouterFixture(t, "image/png", Config{})
	res, err := f.router.Handle(context.Background(), objectEvent(t, "uploads", "p-1/imaging/xray.png", "e"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(aws.ToString(f.bda.in.OutputConfiguration.S3Uri), "s3://uploads/processed/p-1_imaging/"))
	require.Equal(t, bdatypes.DataAutomationStageLive, f.bda.in.DataAutomationConfiguration.Stage)
	require.Equal(t, domain.RouteDataAutomation, res.Route)

	f.bda.err = errors.New("quota")
	_, err = f.router.Handle(context.Background(), objectEvent(t, "uploads", "p-1/imaging/xray.png", "e"))
	require.ErrorContains(t, err, "quota")
}

func TestHandle_Skips(t *testing.T) {
	f := newRouterFixture(t, "application/zip", Config{})

	res, err := f.router.Handle(context.Background(), objectEvent(t, "uploads", "processed/p-1_labs/x/standard_output/0/result.json", "e"))
	require.NoError(t, err)
	require.Equal(t, domain.RouteSkip, res.Route)
	require.Equal(t, "key_convention", res.Reason)

	res, err = f.router.Handle(context.Background(), objectEvent(t, "uploads", "p-1/archive/bundle.zip", "e"))
	require.NoError(t, err)
	require.Equal(t, domain.RouteSkip, res.Route)
	require.Equal(t, "unsupported_type", res.Reason)

	res, err = f.router.Handle(context.Background(), lambdaevents.EventBridgeEvent{Detail: json.RawMessage(`not-json`)})
	require.NoError(t, err)
	require.Equal(t, "malformed_event", res.Reason)

	require.Nil(t, f.bda.in)
	require.Nil(t, f.sfn.in)
	require.Empty(t, f.events.events)
}

func TestHandle_EventFailureDoesNotFailRouting(t *testing.T) {
	f := newRouterFixture(t, "text/plain", Config{})
	f.events.err = errors.New("bus down")
	res, err := f.router.Handle(context.Background(), objectEvent(t, "uploads", "p-1/notes/a.txt", "e"))
	require.NoError(t, err)
	require.Equal(t, domain.RouteDataAutomation, res.Route)
}

func TestExecutionName(t *testing.T) {
	name := executionName(strings.Repeat("p", 64), "abcdefabcdef")
	require.Len(t, name, 80)
	require.True(t, strings.HasSuffix(name, "-abcdefabcdef"))
	require.Equal(t, "hs-p-1-abc", executionName("p-1", "abc"))
}
