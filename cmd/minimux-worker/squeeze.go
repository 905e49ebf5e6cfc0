package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"unicode"

	"github.com/raskyld/minimux/pkg/wire"
	"github.com/raskyld/minimux/pkg/worker"
)

// SqueezeSettings controls the whitespace squeezer.
type SqueezeSettings struct {
	KeepComments bool `mapstructure:"keep-comments" json:"keep_comments"`
	KeepNewlines bool `mapstructure:"keep-newlines" json:"keep_newlines"`
}

// squeezer is a naive minifier: it collapses blanks and drops line
// comments. It does not understand string literals.
type squeezer struct {
	settings SqueezeSettings
	hash     string
}

var _ worker.Handler = (*squeezer)(nil)

func newSqueezer(settings SqueezeSettings) (*squeezer, error) {
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	return &squeezer{
		settings: settings,
		hash:     hex.EncodeToString(sum[:]),
	}, nil
}

func (s *squeezer) ConfigHash() string {
	return s.hash
}

func (s *squeezer) Minify(ctx context.Context, req wire.Request) (worker.Output, error) {
	var lines []string
	for _, line := range strings.Split(req.Code, "\n") {
		if err := ctx.Err(); err != nil {
			return worker.Output{}, err
		}

		line = strings.Join(strings.FieldsFunc(line, unicode.IsSpace), " ")
		if line == "" {
			continue
		}
		if !s.settings.KeepComments && strings.HasPrefix(line, "//") {
			continue
		}
		lines = append(lines, line)
	}

	sep := " "
	if s.settings.KeepNewlines {
		sep = "\n"
	}

	out := worker.Output{Code: strings.Join(lines, sep)}
	if req.NameForMap != "" {
		out.Map = map[string]interface{}{
			"version":  3,
			"file":     req.NameForMap,
			"sources":  []interface{}{req.NameForMap},
			"mappings": "",
		}
	}
	return out, nil
}
