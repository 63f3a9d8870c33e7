package dns

import (
	"strconv"
	"strings"
)

// splitIdentity parses an ordered-instance DNS name
//
//	mongo-0.mongo.default -> identity="mongo-0", logical="mongo.default"
//	web-api-3.web-api.prod -> identity="web-api-3", logical="web-api.prod"
//
// The identity must be the logical workload name followed by -<ordinal>.
func splitIdentity(name string) (identity, logical string, ok bool) {
	dot := strings.IndexByte(name, '.')
	if dot <= 0 || dot == len(name)-1 {
		return "", "", false
	}
	identity, logical = name[:dot], name[dot+1:]

	workload := logical
	if i := strings.IndexByte(logical, '.'); i >= 0 {
		workload = logical[:i]
	}

	prefix := workload + "-"
	if !strings.HasPrefix(identity, prefix) {
		return "", "", false
	}
	n, err := strconv.Atoi(identity[len(prefix):])
	if err != nil || n < 0 {
		return "", "", false
	}
	return identity, logical, true
}
