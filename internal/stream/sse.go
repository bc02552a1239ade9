// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// Delta is one parsed increment from the event stream. Reasoning and answer
// content arrive interleaved on the same stream and are demultiplexed here.
type Delta struct {
	Content   string
	Reasoning string
	Finished  bool
}

// chunkPayload mirrors the chat-completions streaming chunk. Providers
// disagree on the reasoning field name, so both spellings are accepted.
type chunkPayload struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			Reasoning        string `json:"reasoning"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// delta flattens the first choice into a Delta.
func (c *chunkPayload) delta() Delta {
	if len(c.Choices) == 0 {
		return Delta{}
	}
	choice := c.Choices[0]
	reasoning := choice.Delta.Reasoning
	if reasoning == "" {
		reasoning = choice.Delta.ReasoningContent
	}
	return Delta{
		Content:   choice.Delta.Content,
		Reasoning: reasoning,
		Finished:  choice.FinishReason != "",
	}
}

// doneSentinel terminates the event stream.
var doneSentinel = []byte("[DONE]")

// =============================================================================
// SSE READER
// =============================================================================

// sseReader parses Server-Sent Events off a response body.
type sseReader struct {
	r      *bufio.Reader
	logger *slog.Logger
}

func newSSEReader(r io.Reader, logger *slog.Logger) *sseReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &sseReader{r: bufio.NewReader(r), logger: logger}
}

// next returns the data payload of the next event. io.EOF means the stream
// ended cleanly; any buffered data is flushed before EOF is reported, so a
// final event missing its trailing newline is not lost.
func (s *sseReader) next() ([]byte, error) {
	var dataLines [][]byte

	for {
		// ReadBytes can return a partial line alongside io.EOF; consume it
		// before deciding what the error means.
		line, err := s.r.ReadBytes('\n')
		if trimmed := bytes.TrimRight(line, "\r\n"); len(trimmed) == 0 {
			// Blank line ends the event.
			if err == nil && len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
		} else if rest, ok := bytes.CutPrefix(trimmed, []byte("data:")); ok {
			dataLines = append(dataLines, bytes.TrimSpace(rest))
		}
		// event:, id:, retry: and comment lines carry nothing we use.

		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			return nil, err
		}
	}
}

// readDelta returns the next parsed delta. Malformed chunks are logged and
// skipped rather than killing the stream; io.EOF or the [DONE] sentinel
// end it.
func (s *sseReader) readDelta() (Delta, error) {
	for {
		data, err := s.next()
		if err != nil {
			return Delta{}, err
		}
		if bytes.Equal(data, doneSentinel) {
			return Delta{}, io.EOF
		}

		var chunk chunkPayload
		if err := json.Unmarshal(data, &chunk); err != nil {
			s.logger.Debug("skipping malformed stream chunk",
				"bytes", len(data), "err", err)
			continue
		}
		return chunk.delta(), nil
	}
}
