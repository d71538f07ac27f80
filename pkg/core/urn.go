package core

import (
	"fmt"
	"strings"
)

// DefaultEnv is the fabric type used when none is configured.
const DefaultEnv = "PROD"

// PlatformURN returns the urn of a data platform.
func PlatformURN(platform string) string {
	return "urn:li:dataPlatform:" + platform
}

// DatasetURN returns the urn of a dataset. The name is expected to be
// fully qualified, including the platform instance when one is set.
func DatasetURN(platform, name, env string) string {
	if env == "" {
		env = DefaultEnv
	}
	return fmt.Sprintf("urn:li:dataset:(%s,%s,%s)", PlatformURN(platform), name, strings.ToUpper(env))
}

// SchemaFieldURN returns the urn of a column of a dataset.
func SchemaFieldURN(datasetURN, field string) string {
	return fmt.Sprintf("urn:li:schemaField:(%s,%s)", datasetURN, field)
}

// QueryURN returns the urn of a query entity.
func QueryURN(id string) string {
	return "urn:li:query:" + id
}

// CorpUserURN returns the urn of a user.
func CorpUserURN(user string) string {
	if strings.HasPrefix(user, "urn:li:corpuser:") {
		return user
	}
	return "urn:li:corpuser:" + user
}

// ParseDatasetURN splits a dataset urn into platform, name and env.
func ParseDatasetURN(urn string) (platform, name, env string, ok bool) {
	const prefix = "urn:li:dataset:("
	if !strings.HasPrefix(urn, prefix) || !strings.HasSuffix(urn, ")") {
		return "", "", "", false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(urn, prefix), ")")
	// urn:li:dataPlatform:<p>,<name>,<env>; the name may itself contain commas.
	first := strings.Index(body, ",")
	last := strings.LastIndex(body, ",")
	if first < 0 || first == last {
		return "", "", "", false
	}
	platform = strings.TrimPrefix(body[:first], "urn:li:dataPlatform:")
	return platform, body[first+1 : last], body[last+1:], true
}

// DatasetNameFromURN returns the dataset name part of a dataset urn, or
// the input unchanged when it is not a dataset urn.
func DatasetNameFromURN(urn string) string {
	if _, name, _, ok := ParseDatasetURN(urn); ok {
		return name
	}
	return urn
}

// ParseSchemaFieldURN splits a schemaField urn into dataset urn and field path.
func ParseSchemaFieldURN(urn string) (dataset, field string, ok bool) {
	const prefix = "urn:li:schemaField:("
	if !strings.HasPrefix(urn, prefix) || !strings.HasSuffix(urn, ")") {
		return "", "", false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(urn, prefix), ")")
	i := strings.LastIndex(body, ",")
	if i < 0 {
		return "", "", false
	}
	return body[:i], body[i+1:], true
}
