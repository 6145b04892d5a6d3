package domain

import (
	"strings"

	"golang.org/x/text/cases"
)

// SearchRequest describes one search invocation. It is immutable once built;
// use BuildSearchRequest to obtain one.
type SearchRequest struct {
	servers    []string
	rootPath   string
	searchTerm string
}

// BuildSearchRequest validates its inputs and returns a request carrying them
// verbatim. Server identifiers must be non-blank and unique (compared with
// Unicode case folding); rootPath and searchTerm must not be blank.
func BuildSearchRequest(servers []string, rootPath, searchTerm string) (SearchRequest, error) {
	if len(servers) == 0 {
		return SearchRequest{}, newValidationError("servers", "at least one server is required")
	}
	folder := cases.Fold()
	seen := make(map[string]struct{}, len(servers))
	for _, server := range servers {
		key := strings.TrimSpace(server)
		if key == "" {
			return SearchRequest{}, newValidationError("servers", "server identifier must not be blank")
		}
		key = folder.String(key)
		if _, exists := seen[key]; exists {
			return SearchRequest{}, newValidationError("servers", "duplicate server "+server)
		}
		seen[key] = struct{}{}
	}
	if strings.TrimSpace(rootPath) == "" {
		return SearchRequest{}, newValidationError("rootPath", "root path is required")
	}
	if strings.TrimSpace(searchTerm) == "" {
		return SearchRequest{}, newValidationError("searchTerm", "search term is required")
	}
	return SearchRequest{
		servers:    append([]string(nil), servers...),
		rootPath:   rootPath,
		searchTerm: searchTerm,
	}, nil
}

// Servers returns a copy of the target server identifiers in request order.
func (r SearchRequest) Servers() []string {
	return append([]string(nil), r.servers...)
}

func (r SearchRequest) RootPath() string   { return r.rootPath }
func (r SearchRequest) SearchTerm() string { return r.searchTerm }

// SingleServer returns the only target server when the request names exactly one.
func (r SearchRequest) SingleServer() (string, bool) {
	if len(r.servers) != 1 {
		return "", false
	}
	return r.servers[0], true
}

// ResultRecord is one matching file reported by a server. Position is assigned
// by the aggregator on insertion and is never taken from the wire.
type ResultRecord struct {
	Server     string `json:"server,omitempty"`
	FilePath   string `json:"filePath"`
	MatchCount int    `json:"count"`
	Position   int    `json:"position"`
}
