// SPDX-License-Identifier: MPL-2.0

package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// ValidateSchema checks a resolved configuration against the #Config schema.
// source names the origin in error messages.
func ValidateSchema(cfg *Config, source string) error {
	ctx := cuecontext.New()
	schema, err := compileSchema(ctx)
	if err != nil {
		return err
	}

	value := ctx.Encode(cfg)
	if value.Err() != nil {
		return fmt.Errorf("encode config: %w", value.Err())
	}

	if err := schema.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, formatCUEError(err, source))
	}
	return nil
}

func compileSchema(ctx *cue.Context) (cue.Value, error) {
	schemaValue := ctx.CompileString(configSchema)
	if schemaValue.Err() != nil {
		return cue.Value{}, fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}
	return schemaValue.LookupPath(cue.ParsePath("#Config")), nil
}

// formatCUEError flattens CUE errors into "<source>: <path>: <message>" lines.
func formatCUEError(err error, source string) error {
	if err == nil {
		return nil
	}

	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return fmt.Errorf("%s: %w", source, err)
	}

	lines := make([]string, 0, len(errs))
	for _, e := range errs {
		path := strings.Join(cueerrors.Path(e), ".")
		msg := e.Error()
		if path != "" && strings.HasPrefix(msg, path) {
			msg = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(msg, path), ":"))
		}
		if path != "" {
			lines = append(lines, path+": "+msg)
		} else {
			lines = append(lines, msg)
		}
	}

	if len(lines) == 1 {
		return fmt.Errorf("%s: %s", source, lines[0])
	}
	return fmt.Errorf("%s: validation failed:\n  %s", source, strings.Join(lines, "\n  "))
}
