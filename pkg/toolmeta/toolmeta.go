// Package toolmeta recognizes queries issued by BI tools on behalf of a
// user and recovers that user from the comment the tool appends.
//
// Warehouse query logs attribute such queries to the tool's service
// account. Mode and Looker both end their queries with a line comment
// carrying the real user, which is more useful for usage statistics.
package toolmeta

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/leapstack-labs/leaplineage/pkg/core"
)

// Tool names reported by Extract.
const (
	ToolMode   = "mode"
	ToolLooker = "looker"
)

// Result is the user a tool ran a query for.
type Result struct {
	Tool string
	// User is a corpuser urn.
	User string
}

type extractFunc func(lastLine string) (string, error)

// errNotMatched means the query was not issued by the tool.
var errNotMatched = errors.New("not matched")

// Extractor recognizes tool comments. The zero value recognizes Mode only.
type Extractor struct {
	// LookerUserMapping maps Looker user ids to email addresses. Looker
	// queries are only re-attributed when it is set.
	LookerUserMapping map[string]string
	Logger            *slog.Logger
}

// Extract inspects the last line of query. The bool is false when no
// known tool issued the query; malformed tool comments count as no match.
func (e *Extractor) Extract(query string) (Result, bool) {
	line := lastLine(query)
	if !strings.HasPrefix(line, "--") {
		return Result{}, false
	}
	tools := []struct {
		name string
		fn   extractFunc
	}{
		{ToolMode, extractMode},
		{ToolLooker, e.extractLooker},
	}
	for _, tool := range tools {
		user, err := tool.fn(line)
		if err == nil {
			return Result{Tool: tool.name, User: user}, true
		}
		if !errors.Is(err, errNotMatched) {
			e.logger().Debug("tool metadata extraction failed",
				slog.String("tool", tool.name),
				slog.String("error", err.Error()))
		}
	}
	return Result{}, false
}

func (e *Extractor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

// extractMode reads lines like
//
//	-- {"email":"jane@acme.io","url":"https://modeanalytics.com/..."}
func extractMode(line string) (string, error) {
	if !strings.Contains(line, `"url":"https://modeanalytics.com`) {
		return "", errNotMatched
	}
	var meta struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal([]byte(line[2:]), &meta); err != nil {
		return "", fmt.Errorf("invalid mode comment: %w", err)
	}
	if meta.Email == "" {
		return "", errors.New("mode comment has no email")
	}
	return EmailToUserURN(meta.Email), nil
}

// extractLooker reads lines like
//
//	-- Looker Query Context '{"user_id":42,"history_slug":"..."}'
func (e *Extractor) extractLooker(line string) (string, error) {
	if len(e.LookerUserMapping) == 0 || !strings.Contains(line, "Looker Query Context") {
		return "", errNotMatched
	}
	start, end := strings.Index(line, "'"), strings.LastIndex(line, "'")
	if start < 0 || end <= start {
		return "", errors.New("looker comment has no quoted context")
	}
	var meta struct {
		UserID json.RawMessage `json:"user_id"`
	}
	if err := json.Unmarshal([]byte(line[start+1:end]), &meta); err != nil {
		return "", fmt.Errorf("invalid looker comment: %w", err)
	}
	// user ids come as numbers or strings
	id := strings.Trim(string(meta.UserID), `"`)
	email, ok := e.LookerUserMapping[id]
	if !ok || email == "" {
		return "", errNotMatched
	}
	return EmailToUserURN(email), nil
}

// EmailToUserURN builds a corpuser urn from the local part of an email.
func EmailToUserURN(email string) string {
	user, _, _ := strings.Cut(email, "@")
	return core.CorpUserURN(user)
}

func lastLine(query string) string {
	query = strings.TrimRight(query, " \t\r\n")
	if i := strings.LastIndexByte(query, '\n'); i >= 0 {
		return strings.TrimSpace(query[i+1:])
	}
	return strings.TrimSpace(query)
}
