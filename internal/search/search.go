package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultField      ResultType = "field"
	ResultTemplate   ResultType = "template"
	ResultAnnotation ResultType = "annotation"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	SubjectURL string     `json:"subjectUrl,omitempty"`
	CuratorDID string     `json:"curatorDid"`
}

// Query describes a search request.
type Query struct {
	Text          string
	FilterType    ResultType // empty = all types
	FilterCurator string
	Limit         int
	Offset        int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexField(f FieldRecord) error
	IndexTemplate(t TemplateRecord) error
	IndexAnnotation(a AnnotationRecord) error
	DeleteField(id string) error
	DeleteTemplate(id string) error
	DeleteAnnotation(id string) error
}

// FieldRecord is the data we index for an annotation field.
type FieldRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CuratorDID  string `json:"curatorDid"`
	Kind        string `json:"kind"`
}

// TemplateRecord is the data we index for an annotation template.
type TemplateRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CuratorDID  string `json:"curatorDid"`
}

// AnnotationRecord is the data we index for an annotation.
type AnnotationRecord struct {
	ID         string `json:"id"`
	SubjectURL string `json:"subjectUrl"`
	Note       string `json:"note"`
	FieldName  string `json:"fieldName"`
	CuratorDID string `json:"curatorDid"`
}
