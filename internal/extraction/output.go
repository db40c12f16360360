package extraction

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// jobMetadata is the job_metadata.json BDA writes next to its results.
type jobMetadata struct {
	JobID            string `json:"job_id"`
	JobStatus        string `json:"job_status"`
	SemanticModality string `json:"semantic_modality"`
	OutputMetadata   []struct {
		AssetID         int `json:"asset_id"`
		SegmentMetadata []struct {
			StandardOutputPath string `json:"standard_output_path"`
			CustomOutputPath   string `json:"custom_output_path"`
			CustomOutputStatus string `json:"custom_output_status"`
		} `json:"segment_metadata"`
	} `json:"output_metadata"`
}

type summaryBlock struct {
	Summary string `json:"summary"`
}

// standardOutput is the subset of a standard_output result we keep.
type standardOutput struct {
	Document *struct {
		Summary        string `json:"summary"`
		Representation struct {
			Markdown string `json:"markdown"`
		} `json:"representation"`
	} `json:"document"`
	Image *summaryBlock `json:"image"`
	Video *summaryBlock `json:"video"`
	Audio *summaryBlock `json:"audio"`
}

type customOutput struct {
	InferenceResult map[string]any `json:"inference_result"`
}

// content accumulates results across segments.
type content struct {
	markdown  []string
	summaries []string
	fields    map[string]string
}

func (c *content) addStandard(raw []byte) error {
	var out standardOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("extraction: decode standard output: %w", err)
	}
	if d := out.Document; d != nil {
		c.markdown = appendText(c.markdown, d.Representation.Markdown)
		c.summaries = appendText(c.summaries, d.Summary)
	}
	for _, b := range []*summaryBlock{out.Image, out.Video, out.Audio} {
		if b != nil {
			c.summaries = appendText(c.summaries, b.Summary)
		}
	}
	return nil
}

func (c *content) addCustom(raw []byte) error {
	var out customOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("extraction: decode custom output: %w", err)
	}
	if c.fields == nil {
		c.fields = map[string]string{}
	}
	flatten("", out.InferenceResult, c.fields)
	return nil
}

func appendText(dst []string, s string) []string {
	if s = strings.TrimSpace(s); s != "" {
		dst = append(dst, s)
	}
	return dst
}

// flatten writes nested inference results as dotted field names.
func flatten(prefix string, v any, out map[string]string) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			name := k
			if prefix != "" {
				name = prefix + "." + k
			}
			flatten(name, t[k], out)
		}
	case []any:
		for i, item := range t {
			flatten(fmt.Sprintf("%s.%d", prefix, i), item, out)
		}
	case nil:
	case string:
		if s := strings.TrimSpace(t); s != "" && prefix != "" {
			out[prefix] = s
		}
	default:
		if prefix != "" {
			out[prefix] = fmt.Sprint(t)
		}
	}
}
