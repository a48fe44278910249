package model

import "time"

// Descriptor is a serialized operation. Fields at their default value are
// omitted, except name, label and color which are always present.
type Descriptor map[string]any

// TableResult is the render payload for one table request. It is built fresh
// per request and never mutated after it is returned.
type TableResult struct {
	Name          string            `json:"name"`
	PrimaryKey    string            `json:"primaryKey"`
	Config        TableConfig       `json:"config"`
	Data          []Row             `json:"data"`
	Pagination    Pagination        `json:"pagination"`
	Sort          *SortState        `json:"sort"`
	Search        string            `json:"search"`
	Filters       map[string]any    `json:"filters"`
	Actions       []Descriptor      `json:"actions"`
	BulkActions   []Descriptor      `json:"bulkActions"`
	BulkGroups    []string          `json:"bulkGroups"`
	HeaderActions []Descriptor      `json:"headerActions"`
	Groups        []GroupDescriptor `json:"groups"`
}

// TableConfig describes the table layout for the rendering client.
type TableConfig struct {
	Title       string             `json:"title,omitempty"`
	Columns     []ColumnDescriptor `json:"columns"`
	Filters     []FilterDescriptor `json:"filters"`
	Searchable  bool               `json:"searchable"`
	PerPage     int                `json:"perPage"`
	DefaultSort *SortState         `json:"defaultSort,omitempty"`
}

// ColumnDescriptor is the client view of a declared column.
type ColumnDescriptor struct {
	Key        string     `json:"key"`
	Label      string     `json:"label"`
	Visible    bool       `json:"visible"`
	Sortable   bool       `json:"sortable"`
	Searchable bool       `json:"searchable"`
	Aggregate  *Aggregate `json:"aggregate,omitempty"`
}

// FilterDescriptor is the client view of a declared filter.
type FilterDescriptor struct {
	Key         string            `json:"key"`
	Label       string            `json:"label"`
	Type        string            `json:"type"`
	Default     any               `json:"default,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
	Min         any               `json:"min,omitempty"`
	Max         any               `json:"max,omitempty"`
	Placeholder string            `json:"placeholder,omitempty"`
}

// GroupDescriptor is the client view of an action group.
type GroupDescriptor struct {
	Name    string   `json:"name"`
	Label   string   `json:"label"`
	Icon    string   `json:"icon,omitempty"`
	Color   string   `json:"color,omitempty"`
	Order   int      `json:"order"`
	Actions []string `json:"actions"`
}

// Row is one formatted record.
type Row struct {
	Key     string                    `json:"key"`
	Values  map[string]any            `json:"values"`
	Actions map[string]Descriptor     `json:"actions"`
	Groups  []string                  `json:"groups,omitempty"`
	Meta    map[string]map[string]any `json:"meta,omitempty"`
}

// SortState is the effective sort of a result.
type SortState struct {
	Column    string `json:"column"`
	Direction string `json:"direction"`
}

// Pagination describes the page window of a result.
type Pagination struct {
	CurrentPage int        `json:"currentPage"`
	LastPage    int        `json:"lastPage"`
	PerPage     int        `json:"perPage"`
	Total       int        `json:"total"`
	From        int        `json:"from"`
	To          int        `json:"to"`
	Links       []PageLink `json:"links"`
}

// PageLink is one entry of the pagination control.
type PageLink struct {
	URL    string `json:"url,omitempty"`
	Label  string `json:"label"`
	Active bool   `json:"active"`
}

// CallbackTarget identifies what a signed callback may invoke.
type CallbackTarget struct {
	Table     string
	Operation string
	Kind      string
	Record    string
}

// CallbackPayload is the body the client posts back with a callback.
type CallbackPayload struct {
	Table  string `json:"table"`
	Name   string `json:"name"`
	Action string `json:"action"`
}

// SignedCallback is a tamper-evident, time-bounded invocation endpoint.
type SignedCallback struct {
	URL       string          `json:"url"`
	Method    string          `json:"method"`
	Payload   CallbackPayload `json:"payload"`
	IssuedAt  time.Time       `json:"-"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Token     string          `json:"-"`
}

// InvocationRequest is the decoded body of an invocation.
type InvocationRequest struct {
	Table   string         `json:"table"`
	Name    string         `json:"name"`
	Action  string         `json:"action"`
	Records []any          `json:"records,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

// InvocationResponse is returned to callers that expect JSON.
type InvocationResponse struct {
	Success     bool   `json:"success"`
	RedirectURL string `json:"redirect_url,omitempty"`
	Message     string `json:"message,omitempty"`
}
