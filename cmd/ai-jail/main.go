// cmd/ai-jail/main.go
//
// The isolated inference process. The sandbox pool spawns one of these per
// sandbox under the jail command, then speaks newline-delimited JSON over
// stdin/stdout. Logging goes to stderr so stdout stays a clean protocol
// channel. Nothing in this binary's import graph opens a network
// connection; the jail enforces that it could not anyway.

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/inference"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/logging"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/sandbox"
)

const maxLineBytes = 4 * 1024 * 1024

func main() {
	logger := logging.Stream{W: os.Stderr}

	model, loadErr := inference.Load(inference.ConfigFromEnv())
	var gen *inference.Generator
	if loadErr != nil {
		// Keep serving so every request gets a proper model_not_loaded
		// response instead of a dead pipe.
		logger.Printf("ai-jail: model load failed: %v", loadErr)
	} else {
		var err error
		gen, err = inference.NewGenerator(model)
		if err != nil {
			logger.Printf("ai-jail: generator init failed: %v", err)
			loadErr = err
		}
	}

	if err := serve(os.Stdin, os.Stdout, gen, loadErr, logger); err != nil {
		logger.Printf("ai-jail: %v", err)
		os.Exit(1)
	}
}

func serve(in io.Reader, out io.Writer, gen *inference.Generator, loadErr error, logger logging.Printer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	writer := bufio.NewWriter(out)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp sandbox.Response
		switch {
		case sandbox.IsPing(line):
			resp = sandbox.PongResponse()
		case gen == nil:
			resp = sandbox.ErrorFor(fmt.Errorf("%w: %v", sandbox.ErrModelNotLoaded, loadErr))
		default:
			resp = handleRequest(gen, line, logger)
		}

		if err := writeResponse(writer, resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	return nil
}

func handleRequest(gen *inference.Generator, line []byte, logger logging.Printer) sandbox.Response {
	var req sandbox.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return sandbox.ErrorFor(fmt.Errorf("%w: malformed request JSON", sandbox.ErrInvalidRequest))
	}

	result, err := gen.Generate(req)
	if err != nil {
		// Error text never includes submission content; logging it here is
		// safe and is the only trace an operator gets from inside the jail.
		logger.Printf("ai-jail: generation failed: %v", err)
		return sandbox.ErrorFor(err)
	}
	return sandbox.SuccessResponse(result)
}

func writeResponse(w *bufio.Writer, resp sandbox.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return err
	}
	return w.Flush()
}
