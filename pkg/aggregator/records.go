package aggregator

// Entity types of emitted records.
const (
	EntityDataset = "dataset"
	EntityQuery   = "query"
)

// Aspect names of emitted records.
const (
	AspectUpstreamLineage        = "upstreamLineage"
	AspectQueryProperties        = "queryProperties"
	AspectQuerySubjects          = "querySubjects"
	AspectQueryUsageStatistics   = "queryUsageStatistics"
	AspectDatasetUsageStatistics = "datasetUsageStatistics"
	AspectOperation              = "operation"
)

// Record is one aspect of one entity, ready to be written to a sink.
type Record struct {
	EntityURN  string `json:"entityUrn" yaml:"entityUrn"`
	EntityType string `json:"entityType" yaml:"entityType"`
	Aspect     string `json:"aspectName" yaml:"aspectName"`
	Value      any    `json:"aspect" yaml:"aspect"`
}

// AuditStamp records when and by whom something happened.
type AuditStamp struct {
	Time  int64  `json:"time" yaml:"time"`
	Actor string `json:"actor" yaml:"actor"`
}

// UpstreamLineage is the upstreamLineage aspect of a dataset.
type UpstreamLineage struct {
	Upstreams           []Upstream           `json:"upstreams" yaml:"upstreams"`
	FineGrainedLineages []FineGrainedLineage `json:"fineGrainedLineages,omitempty" yaml:"fineGrainedLineages,omitempty"`
}

// Upstream is one upstream dataset of a lineage aspect.
type Upstream struct {
	Dataset    string      `json:"dataset" yaml:"dataset"`
	Type       LineageType `json:"type" yaml:"type"`
	Query      string      `json:"query,omitempty" yaml:"query,omitempty"`
	AuditStamp AuditStamp  `json:"auditStamp" yaml:"auditStamp"`
}

// Fine-grained lineage endpoint types.
const (
	FieldSet = "FIELD_SET"
	Field    = "FIELD"
)

// FineGrainedLineage maps upstream schema fields to one downstream field.
type FineGrainedLineage struct {
	UpstreamType    string   `json:"upstreamType" yaml:"upstreamType"`
	Upstreams       []string `json:"upstreams" yaml:"upstreams"`
	DownstreamType  string   `json:"downstreamType" yaml:"downstreamType"`
	Downstreams     []string `json:"downstreams" yaml:"downstreams"`
	Query           string   `json:"query,omitempty" yaml:"query,omitempty"`
	ConfidenceScore float64  `json:"confidenceScore" yaml:"confidenceScore"`
}

// QueryStatement is the text of a query.
type QueryStatement struct {
	Value    string `json:"value" yaml:"value"`
	Language string `json:"language" yaml:"language"`
}

// QueryProperties is the queryProperties aspect of a query.
type QueryProperties struct {
	Statement    QueryStatement `json:"statement" yaml:"statement"`
	Source       string         `json:"source" yaml:"source"`
	Created      AuditStamp     `json:"created" yaml:"created"`
	LastModified AuditStamp     `json:"lastModified" yaml:"lastModified"`
}

// QuerySubject is a dataset or schema field a query touches.
type QuerySubject struct {
	Entity string `json:"entity" yaml:"entity"`
}

// QuerySubjects is the querySubjects aspect of a query.
type QuerySubjects struct {
	Subjects []QuerySubject `json:"subjects" yaml:"subjects"`
}

// TimeWindowSize describes the granularity of a usage bucket.
type TimeWindowSize struct {
	Unit     BucketDuration `json:"unit" yaml:"unit"`
	Multiple int            `json:"multiple" yaml:"multiple"`
}

// UserCount is how often one user ran queries in a bucket.
type UserCount struct {
	User  string `json:"user" yaml:"user"`
	Count int    `json:"count" yaml:"count"`
}

// FieldCount is how often a column was read in a bucket.
type FieldCount struct {
	FieldPath string `json:"fieldPath" yaml:"fieldPath"`
	Count     int    `json:"count" yaml:"count"`
}

// QueryUsageStatistics is the queryUsageStatistics aspect of a query.
type QueryUsageStatistics struct {
	TimestampMillis  int64          `json:"timestampMillis" yaml:"timestampMillis"`
	EventGranularity TimeWindowSize `json:"eventGranularity" yaml:"eventGranularity"`
	QueryCount       int            `json:"queryCount" yaml:"queryCount"`
	UniqueUserCount  int            `json:"uniqueUserCount" yaml:"uniqueUserCount"`
	UserCounts       []UserCount    `json:"userCounts,omitempty" yaml:"userCounts,omitempty"`
}

// DatasetUsageStatistics is the datasetUsageStatistics aspect of a dataset.
type DatasetUsageStatistics struct {
	TimestampMillis  int64          `json:"timestampMillis" yaml:"timestampMillis"`
	EventGranularity TimeWindowSize `json:"eventGranularity" yaml:"eventGranularity"`
	TotalSQLQueries  int            `json:"totalSqlQueries" yaml:"totalSqlQueries"`
	UniqueUserCount  int            `json:"uniqueUserCount" yaml:"uniqueUserCount"`
	UserCounts       []UserCount    `json:"userCounts,omitempty" yaml:"userCounts,omitempty"`
	TopSQLQueries    []string       `json:"topSqlQueries,omitempty" yaml:"topSqlQueries,omitempty"`
	FieldCounts      []FieldCount   `json:"fieldCounts,omitempty" yaml:"fieldCounts,omitempty"`
}

// Operation is the operation aspect of a dataset.
type Operation struct {
	TimestampMillis      int64    `json:"timestampMillis" yaml:"timestampMillis"`
	LastUpdatedTimestamp int64    `json:"lastUpdatedTimestamp" yaml:"lastUpdatedTimestamp"`
	OperationType        string   `json:"operationType" yaml:"operationType"`
	Actor                string   `json:"actor,omitempty" yaml:"actor,omitempty"`
	Count                int      `json:"count,omitempty" yaml:"count,omitempty"`
	Queries              []string `json:"queries,omitempty" yaml:"queries,omitempty"`
}
