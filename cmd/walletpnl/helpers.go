package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/brojonat/walletpnl/service/config"
	"github.com/brojonat/walletpnl/service/db"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

// getStore connects to the database named by --database-url.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	store, err := db.Open(context.Background(), dbURL, nil)
	if err != nil {
		return nil, nil, err
	}
	closer := store.Close

	return store, closer, nil
}

// outputJSON writes v to stdout as indented JSON.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// cliLogger logs text to stderr at --log-level so stdout stays parseable.
func cliLogger(c *cli.Context) *slog.Logger {
	return config.NewLogger(c.String("log-level"), os.Stderr, false)
}

// compileFilters parses and compiles jq expressions.
func compileFilters(filters []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return codes, nil
}

// matchFilters reports whether every filter yields a truthy first result for
// v. v is converted to its JSON form first so filters see the same field
// names as --json output.
func matchFilters(v interface{}, codes []*gojq.Code) (bool, error) {
	if len(codes) == 0 {
		return true, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, err
	}

	for _, code := range codes {
		iter := code.Run(doc)
		out, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, isErr := out.(error); isErr {
			return false, err
		}
		if !isTruthy(out) {
			return false, nil
		}
	}
	return true, nil
}

// isTruthy follows jq semantics: only false and null are falsy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	// Everything else (numbers, strings, objects, arrays) is truthy
	return true
}
