package runtime

import (
	"context"

	"github.com/risor-io/risor/object"
	"github.com/rs/zerolog"

	"github.com/jward/assetize/internal/scan"
)

// makeImportsFn creates the "imports" host function.
//
// imports(source) → []string
//
// Returns the import, re-export and literal dynamic import specifiers of a
// JavaScript source string in source order.
func makeImportsFn() *object.Builtin {
	return object.NewBuiltin("imports", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("imports", 1, len(args))
		}

		srcStr, ok := args[0].(*object.String)
		if !ok {
			return object.Errorf("imports: source must be a string, got %s", args[0].Type())
		}

		matches, err := scan.Source(ctx, []byte(srcStr.Value()))
		if err != nil {
			return object.Errorf("imports: %v", err)
		}

		results := make([]object.Object, 0, len(matches))
		for _, m := range matches {
			results = append(results, object.NewString(m.Specifier))
		}
		return object.NewList(results)
	})
}

// logObject provides log.info/warn/error methods for Risor scripts.
type logObject struct {
	log zerolog.Logger
}

func (l *logObject) Info(msg string) {
	l.log.Info().Str("source", "script").Msg(msg)
}

func (l *logObject) Warn(msg string) {
	l.log.Warn().Str("source", "script").Msg(msg)
}

func (l *logObject) Error(msg string) {
	l.log.Error().Str("source", "script").Msg(msg)
}
