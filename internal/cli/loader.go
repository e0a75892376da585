package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/cimatrix/internal/compiler"
	"github.com/roach88/cimatrix/internal/ir"
)

// LoadError is a pipeline file the static checks could not run on: it is
// missing, unreadable, not YAML, or does not compile.
type LoadError struct {
	Code    string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// LoadPipeline runs parse, schema, compile, validate and lint on a pipeline
// file. Findings are returned in the result; the error is always a
// *LoadError.
func LoadPipeline(path string, policy compiler.Policy) (*compiler.LoadResult, error) {
	res, err := compiler.LoadFile(path, policy)
	if err != nil {
		return nil, &LoadError{
			Code:    compiler.ErrorCode(err),
			Message: err.Error(),
			Err:     err,
		}
	}
	return res, nil
}

// splitFindings separates error findings from warnings, keeping order.
func splitFindings(findings []compiler.ValidationError) (errs, warnings []compiler.ValidationError) {
	for _, f := range findings {
		if f.IsWarning() {
			warnings = append(warnings, f)
		} else {
			errs = append(errs, f)
		}
	}
	return errs, warnings
}

// compilePipeline loads a pipeline for commands that go on to use it.
//
// A load error is written through formatter and returned with exit code 2;
// error findings are written and returned with exit code 1. Warnings are
// logged and do not stop the command.
func compilePipeline(formatter *OutputFormatter, logger *slog.Logger, path string, policy compiler.Policy) (*ir.Pipeline, error) {
	res, err := LoadPipeline(path, policy)
	if err != nil {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			return nil, outputLoadError(formatter, loadErr)
		}
		return nil, outputLoadError(formatter, &LoadError{Code: compiler.ErrGeneric, Message: err.Error(), Err: err})
	}

	errs, warnings := splitFindings(res.Findings)
	if len(errs) > 0 || res.Pipeline == nil {
		return nil, outputValidationErrors(formatter, errs, warnings)
	}
	for _, w := range warnings {
		logger.Warn(w.Message, "code", w.Code, "field", w.Field, "line", w.Line)
	}
	return res.Pipeline, nil
}

// outputLoadError writes a load error and maps it to exit code 2.
func outputLoadError(formatter *OutputFormatter, loadErr *LoadError) error {
	_ = formatter.Error(loadErr.Code, loadErr.Message, nil)
	return WrapExitError(ExitCommandError, loadErr.Code+": failed to load pipeline", loadErr.Err)
}
