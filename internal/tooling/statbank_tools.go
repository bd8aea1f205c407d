package tooling

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"boliganalyse/internal/statbank"
)

const (
	defaultLang       = "en"
	defaultDataFormat = "JSONSTAT"

	// maxToolPayload bounds what a single tool result adds to the conversation.
	maxToolPayload = 48 << 10
)

// StatbankAPI is the subset of the statbank client the tools depend on.
type StatbankAPI interface {
	Subjects(ctx context.Context, req statbank.SubjectsRequest) (*statbank.Response, error)
	Tables(ctx context.Context, req statbank.TablesRequest) (*statbank.Response, error)
	TableInfo(ctx context.Context, req statbank.TableInfoRequest) (*statbank.Response, error)
	Data(ctx context.Context, req statbank.DataRequest) (*statbank.Response, error)
}

var _ StatbankAPI = (*statbank.Client)(nil)

// =============================================================================
// Inputs
// =============================================================================

// SubjectsInput is the argument object of get_subjects.
type SubjectsInput struct {
	Subjects      []string `json:"subjects,omitempty" jsonschema_description:"Subject ids to expand. Omit for the top-level subjects."`
	Recursive     bool     `json:"recursive,omitempty" jsonschema_description:"Include all sub-subjects."`
	IncludeTables bool     `json:"includeTables,omitempty" jsonschema_description:"Include the tables of each subject."`
	Lang          string   `json:"lang,omitempty" jsonschema:"enum=da,enum=en,default=en"`
}

// TablesInput is the argument object of get_tables.
type TablesInput struct {
	Subjects        []string `json:"subjects,omitempty" jsonschema_description:"Restrict to tables under these subject ids."`
	PastDays        int      `json:"pastDays,omitempty" jsonschema:"minimum=0" jsonschema_description:"Only tables updated within this many days."`
	IncludeInactive bool     `json:"includeInactive,omitempty"`
	Lang            string   `json:"lang,omitempty" jsonschema:"enum=da,enum=en,default=en"`
}

// TableInfoInput is the argument object of get_table_info.
type TableInfoInput struct {
	TableID string `json:"tableId" jsonschema:"minLength=1" jsonschema_description:"Table id such as BOL101 or EJ56."`
	Lang    string `json:"lang,omitempty" jsonschema:"enum=da,enum=en,default=en"`
}

// TableDataInput is the argument object of get_table_data.
type TableDataInput struct {
	TableID   string              `json:"tableId" jsonschema:"minLength=1" jsonschema_description:"Table id such as BOL101 or EJ56."`
	Format    string              `json:"format,omitempty" jsonschema:"enum=CSV,enum=XLSX,enum=JSON,enum=JSONSTAT,enum=JSONSTAT2,default=JSONSTAT"`
	Variables []statbank.Variable `json:"variables,omitempty" jsonschema_description:"Variable selections. Use * as a value to select all values of a variable."`
	Lang      string              `json:"lang,omitempty" jsonschema:"enum=da,enum=en,default=en"`
}

// =============================================================================
// Tools
// =============================================================================

type statbankTool struct {
	api  StatbankAPI
	lang string
}

func (t statbankTool) langOr(l string) string {
	if l != "" {
		return l
	}
	return t.lang
}

// SubjectsTool lists the StatBank subject hierarchy.
type SubjectsTool struct{ statbankTool }

func (*SubjectsTool) Name() string { return "get_subjects" }

func (*SubjectsTool) Description() string {
	return "Lists Statistics Denmark subjects. Use it to discover which subject ids hold housing, price and regional statistics."
}

func (*SubjectsTool) Definition() string { return GenerateSchema(SubjectsInput{}) }

func (t *SubjectsTool) Call(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in SubjectsInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	resp, err := t.api.Subjects(ctx, statbank.SubjectsRequest{
		Subjects:      in.Subjects,
		Recursive:     in.Recursive,
		IncludeTables: in.IncludeTables,
		Lang:          t.langOr(in.Lang),
	})
	if err != nil {
		return nil, upstreamFailure(err)
	}
	return boundPayload("JSON", resp.Body), nil
}

// TablesTool lists tables, optionally filtered by subject.
type TablesTool struct{ statbankTool }

func (*TablesTool) Name() string { return "get_tables" }

func (*TablesTool) Description() string {
	return "Lists Statistics Denmark tables with id, text, unit and last update. Filter by subject ids to narrow the result."
}

func (*TablesTool) Definition() string { return GenerateSchema(TablesInput{}) }

func (t *TablesTool) Call(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in TablesInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	resp, err := t.api.Tables(ctx, statbank.TablesRequest{
		Subjects:        in.Subjects,
		PastDays:        in.PastDays,
		IncludeInactive: in.IncludeInactive,
		Lang:            t.langOr(in.Lang),
	})
	if err != nil {
		return nil, upstreamFailure(err)
	}
	return boundPayload("JSON", resp.Body), nil
}

// TableInfoTool describes one table's variables.
type TableInfoTool struct{ statbankTool }

func (*TableInfoTool) Name() string { return "get_table_info" }

func (*TableInfoTool) Description() string {
	return "Describes a Statistics Denmark table: its variables and the codes of their values. Call this before get_table_data."
}

func (*TableInfoTool) Definition() string { return GenerateSchema(TableInfoInput{}) }

func (t *TableInfoTool) Call(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in TableInfoInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	resp, err := t.api.TableInfo(ctx, statbank.TableInfoRequest{Table: in.TableID, Lang: t.langOr(in.Lang)})
	if err != nil {
		return nil, upstreamFailure(err)
	}
	return boundPayload("JSON", resp.Body), nil
}

// TableDataTool fetches filtered table data.
type TableDataTool struct{ statbankTool }

func (*TableDataTool) Name() string { return "get_table_data" }

func (*TableDataTool) Description() string {
	return "Fetches data from a Statistics Denmark table. Select values per variable code as returned by get_table_info."
}

func (*TableDataTool) Definition() string { return GenerateSchema(TableDataInput{}) }

func (t *TableDataTool) Call(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in TableDataInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	format := in.Format
	if format == "" {
		format = defaultDataFormat
	}
	vars := in.Variables
	if vars == nil {
		vars = []statbank.Variable{}
	}
	resp, err := t.api.Data(ctx, statbank.DataRequest{
		Table:     in.TableID,
		Format:    format,
		Variables: vars,
		Lang:      t.langOr(in.Lang),
	})
	if err != nil {
		return nil, upstreamFailure(err)
	}
	return boundPayload(format, resp.Body), nil
}

// NewStatbankTools returns the four statistics tools backed by api. An empty
// lang defaults to English.
func NewStatbankTools(api StatbankAPI, lang string) []Tool {
	if api == nil {
		panic("tooling: statbank api must not be nil")
	}
	if lang == "" {
		lang = defaultLang
	}
	base := statbankTool{api: api, lang: lang}
	return []Tool{
		&SubjectsTool{base},
		&TablesTool{base},
		&TableInfoTool{base},
		&TableDataTool{base},
	}
}

// RegisterStatbankTools registers the statistics tools on r.
func RegisterStatbankTools(r *Registry, api StatbankAPI, lang string) error {
	for _, t := range NewStatbankTools(api, lang) {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("failed to parse input: %w", err)
	}
	return nil
}

// upstreamFailure maps a statbank error to an ExecutionError for the model.
func upstreamFailure(err error) error {
	var apiErr *statbank.APIError
	if errors.As(err, &apiErr) {
		return &ExecutionError{
			Message:    fmt.Sprintf("statbank %s request rejected", apiErr.Endpoint),
			StatusCode: apiErr.StatusCode,
			Details:    apiErr.Message,
			Retryable:  apiErr.Transient(),
			Err:        err,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ExecutionError{Message: "statbank request cancelled", Details: err.Error(), Err: err}
	}
	return &ExecutionError{Message: "statbank unavailable", Details: err.Error(), Retryable: true, Err: err}
}

type wrappedPayload struct {
	Format    string `json:"format"`
	Encoding  string `json:"encoding,omitempty"`
	Data      string `json:"data"`
	Truncated bool   `json:"truncated"`
}

// boundPayload returns small JSON bodies unchanged. Anything else (non-JSON
// formats, oversized bodies) is wrapped as {"format","data","truncated"}.
func boundPayload(format string, body []byte) json.RawMessage {
	if len(body) <= maxToolPayload && json.Valid(body) {
		return json.RawMessage(body)
	}
	w := wrappedPayload{Format: format}
	if !utf8.Valid(body) {
		w.Encoding = "base64"
		body = []byte(base64.StdEncoding.EncodeToString(body))
	}
	if len(body) > maxToolPayload {
		body = body[:maxToolPayload]
		for len(body) > 0 && !utf8.Valid(body) {
			body = body[:len(body)-1]
		}
		w.Truncated = true
	}
	w.Data = string(body)
	out, _ := json.Marshal(w)
	return out
}
