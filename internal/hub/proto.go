// proto.go defines the JSON document encodings exchanged as request
// bodies and response payloads, per spec.md §6.
package hub

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/buelon-hub/pipehub/internal/domain"
)

// getStepsOptions is the second element of get-steps's [scopes, options]
// body.
type getStepsOptions struct {
	Limit          int    `json:"limit"`
	ChunkSize      int    `json:"chunk_size,omitempty"`
	Status         string `json:"status,omitempty"`
	IncludeWorking *bool  `json:"include_working,omitempty"`
	Reverse        bool   `json:"reverse,omitempty"`
}

func decodeGetSteps(body []byte) (scopes []string, opts getStepsOptions, err error) {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, opts, fmt.Errorf("hub: decode get-steps: %w", err)
	}
	if err := json.Unmarshal(raw[0], &scopes); err != nil {
		return nil, opts, fmt.Errorf("hub: decode get-steps scopes: %w", err)
	}
	if err := json.Unmarshal(raw[1], &opts); err != nil {
		return nil, opts, fmt.Errorf("hub: decode get-steps options: %w", err)
	}
	return scopes, opts, nil
}

type errorBody struct {
	StepID string `json:"step_id"`
	Msg    string `json:"msg"`
	Trace  string `json:"trace"`
}

func decodeError(body []byte) (errorBody, error) {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return errorBody{}, fmt.Errorf("hub: decode error body: %w", err)
	}
	return eb, nil
}

func decodeUploadStep(body []byte) (domain.Step, domain.Status, error) {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.Step{}, 0, fmt.Errorf("hub: decode upload-step: %w", err)
	}
	var step domain.Step
	if err := json.Unmarshal(raw[0], &step); err != nil {
		return domain.Step{}, 0, fmt.Errorf("hub: decode upload-step definition: %w", err)
	}
	var statusInt int
	if err := json.Unmarshal(raw[1], &statusInt); err != nil {
		return domain.Step{}, 0, fmt.Errorf("hub: decode upload-step status: %w", err)
	}
	return step, domain.Status(statusInt), nil
}

func decodeUploadSteps(body []byte) ([]domain.Step, []domain.Status, error) {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, fmt.Errorf("hub: decode upload-steps: %w", err)
	}
	var steps []domain.Step
	if err := json.Unmarshal(raw[0], &steps); err != nil {
		return nil, nil, fmt.Errorf("hub: decode upload-steps definitions: %w", err)
	}
	var statusInts []int
	if err := json.Unmarshal(raw[1], &statusInts); err != nil {
		return nil, nil, fmt.Errorf("hub: decode upload-steps statuses: %w", err)
	}
	statuses := make([]domain.Status, len(statusInts))
	for i, v := range statusInts {
		statuses[i] = domain.Status(v)
	}
	return steps, statuses, nil
}

type stepCountBody struct {
	Types string `json:"types"`
}

func decodeStepCount(body []byte) (stepCountBody, error) {
	var sc stepCountBody
	if err := json.Unmarshal(body, &sc); err != nil {
		return stepCountBody{}, fmt.Errorf("hub: decode step-count: %w", err)
	}
	return sc, nil
}

func decodeResetErrors(body []byte) bool {
	return strings.TrimSpace(string(body)) == "true"
}

// fetchErrorsBody's Exclude may arrive as null, a string, or a list of
// strings; decodeExclude turns it into the set of substrings.
type fetchErrorsBody struct {
	Count   int             `json:"count"`
	Exclude json.RawMessage `json:"exclude"`
}

func decodeFetchErrors(body []byte) (count int, excludes []string, err error) {
	var fe fetchErrorsBody
	if err := json.Unmarshal(body, &fe); err != nil {
		return 0, nil, fmt.Errorf("hub: decode fetch-errors: %w", err)
	}
	excludes, err = decodeExclude(fe.Exclude)
	if err != nil {
		return 0, nil, err
	}
	return fe.Count, excludes, nil
}

func decodeExclude(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	return nil, fmt.Errorf("hub: fetch-errors exclude must be null, a string, or a list of strings")
}

type fetchRowsBody struct {
	StepID string `json:"step_id"`
}

func decodeFetchRows(body []byte) ([]string, error) {
	var fr fetchRowsBody
	if err := json.Unmarshal(body, &fr); err != nil {
		return nil, fmt.Errorf("hub: decode fetch-rows: %w", err)
	}
	parts := strings.Split(fr.StepID, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			ids = append(ids, p)
		}
	}
	return ids, nil
}

// sanitizeExclude implements SPEC_FULL.md §4's sanitization for
// fetch-errors exclude substrings: ASCII alphanumerics plus a fixed
// punctuation set and the space character. Anything outside it (tabs and
// newlines included) is stripped before the
// substring is used in a Go-side, non-SQL filter.
func sanitizeExclude(s string) string {
	const punct = "_-.,:;!?()[]{}'\"/@#$%^&*+=~`|\\<> "
	var b strings.Builder
	for _, r := range s {
		if r < 128 && (isASCIIAlnum(r) || strings.ContainsRune(punct, r)) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isASCIIAlnum(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func rowJSON(row domain.Row, step *domain.Step) map[string]any {
	m := map[string]any{
		"id":       row.ID,
		"priority": row.Priority,
		"scope":    row.Scope,
		"tag":      row.Tag,
		"status":   row.Status.String(),
		"epoch":    row.Epoch,
		"msg":      row.Msg,
		"trace":    row.Trace,
	}
	if row.Velocity != nil {
		m["velocity"] = *row.Velocity
	}
	if step != nil {
		m["step"] = step
	}
	return m
}
