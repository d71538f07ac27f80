package querylog

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/leapstack-labs/leaplineage/pkg/aggregator"
)

// Kind tags a log line with the aggregator item it decodes to.
type Kind string

// Line kinds. A line without a "type" field is a query.
const (
	KindQuery        Kind = "query"
	KindPreparsed    Kind = "preparsed"
	KindKnownLineage Kind = "known_lineage"
	KindView         Kind = "view"
	KindRename       Kind = "rename"
)

// UnknownKindError is returned for a line whose type is not a Kind.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown entry type %q (want query, preparsed, known_lineage, view or rename)", e.Kind)
}

type envelope struct {
	Type string `json:"type"`
}

// kindOf reads the type tag of a line.
func kindOf(line []byte) (Kind, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return "", err
	}
	switch k := Kind(strings.ToLower(env.Type)); k {
	case "":
		return KindQuery, nil
	case KindQuery, KindPreparsed, KindKnownLineage, KindView, KindRename:
		return k, nil
	default:
		return "", &UnknownKindError{Kind: env.Type}
	}
}

// Decode converts one log line into an aggregator item.
func Decode(line []byte) (aggregator.Item, error) {
	kind, err := kindOf(line)
	if err != nil {
		return nil, err
	}
	return decodeKind(kind, line)
}

func decodeKind(kind Kind, line []byte) (aggregator.Item, error) {
	var item aggregator.Item
	switch kind {
	case KindQuery:
		item = &aggregator.ObservedQuery{}
	case KindPreparsed:
		item = &aggregator.PreparsedQuery{}
	case KindKnownLineage:
		item = &aggregator.KnownLineageMapping{}
	case KindView:
		item = &aggregator.ViewDefinition{}
	case KindRename:
		item = &aggregator.TableRename{}
	default:
		return nil, &UnknownKindError{Kind: string(kind)}
	}
	if err := json.Unmarshal(line, item); err != nil {
		return nil, fmt.Errorf("invalid %s entry: %w", kind, err)
	}
	return item, nil
}
