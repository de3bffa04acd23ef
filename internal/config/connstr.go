package config

import (
	"fmt"
	"strings"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

var connValueEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// MakeConnStr builds a libpq keyword/value connection string, loading the
// host and credentials from their source references.
func MakeConnStr(conf Database) (string, error) {
	refs := []struct {
		key string
		ref commoncfg.SourceRef
	}{
		{key: "host", ref: conf.Host},
		{key: "user", ref: conf.User},
		{key: "password", ref: conf.Password},
	}

	params := make([]string, 0, len(refs)+3)
	for _, r := range refs {
		value, err := commoncfg.LoadValueFromSourceRef(r.ref)
		if err != nil {
			return "", fmt.Errorf("loading db %s: %w", r.key, err)
		}

		params = append(params, connParam(r.key, string(value)))
	}

	params = append(params, connParam("dbname", conf.Name), connParam("port", conf.Port))
	if conf.SSLMode != "" {
		params = append(params, connParam("sslmode", conf.SSLMode))
	}

	return strings.Join(params, " "), nil
}

// connParam quotes values that are empty or contain spaces, quotes or
// backslashes.
func connParam(key, value string) string {
	if value != "" && !strings.ContainsAny(value, ` '\`) {
		return key + "=" + value
	}

	return key + "='" + connValueEscaper.Replace(value) + "'"
}
