package core

// QueryType classifies a SQL statement.
type QueryType string

// Query types produced by the statement parser.
const (
	QueryTypeSelect        QueryType = "SELECT"
	QueryTypeInsert        QueryType = "INSERT"
	QueryTypeUpdate        QueryType = "UPDATE"
	QueryTypeDelete        QueryType = "DELETE"
	QueryTypeMerge         QueryType = "MERGE"
	QueryTypeCreateTableAs QueryType = "CREATE_TABLE_AS_SELECT"
	QueryTypeCreateView    QueryType = "CREATE_VIEW"
	QueryTypeCreateDDL     QueryType = "CREATE_DDL"
	QueryTypeAlter         QueryType = "ALTER"
	QueryTypeDrop          QueryType = "DROP"
	QueryTypeCopy          QueryType = "COPY"
	QueryTypeUnknown       QueryType = "UNKNOWN"
)

// IsCreate reports whether the statement creates a new object.
func (q QueryType) IsCreate() bool {
	return q == QueryTypeCreateTableAs || q == QueryTypeCreateView || q == QueryTypeCreateDDL
}

// OperationType maps a query type to the operation recorded for the
// tables it writes. The second result is false for read-only queries.
func (q QueryType) OperationType() (string, bool) {
	switch q {
	case QueryTypeInsert, QueryTypeCopy:
		return "INSERT", true
	case QueryTypeUpdate, QueryTypeMerge:
		return "UPDATE", true
	case QueryTypeDelete:
		return "DELETE", true
	case QueryTypeCreateTableAs, QueryTypeCreateView, QueryTypeCreateDDL:
		return "CREATE", true
	case QueryTypeAlter:
		return "ALTER", true
	case QueryTypeDrop:
		return "DROP", true
	default:
		return "", false
	}
}
