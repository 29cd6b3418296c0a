// Copyright 2025 TripFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrate

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
)

// RunStatusResult is the flat, frontend-friendly view of a run status
// payload. Itineraries is never nil: an empty list means "no itinerary
// data found", which covers both non-completed runs and completed runs
// whose agent never called the trip planner.
type RunStatusResult struct {
	Status      string        `json:"status"`
	Answer      string        `json:"answer"`
	Itineraries []interface{} `json:"itineraries"`
}

// tripPatternsMarker identifies a tool_response whose content carries a
// serialized trip-planner payload.
const tripPatternsMarker = "tripPatterns"

// Normalize flattens a raw run status payload into a RunStatusResult.
//
// The status is passed through verbatim; upstream owns the set of values.
// Answer and itinerary extraction happen only for completed runs and are
// independently fault tolerant: a broken itinerary payload degrades to an
// empty list and never loses the already-extracted answer. Only a payload
// that is not JSON at all yields an error.
func Normalize(raw []byte) (RunStatusResult, error) {
	result := RunStatusResult{Itineraries: []interface{}{}}

	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return result, fmt.Errorf("failed to parse status payload: %w", err)
	}

	result.Status, _ = payload["status"].(string)

	// Anything other than "completed" has no extractable data yet;
	// do not touch partial payloads.
	if result.Status != StatusCompleted {
		return result, nil
	}

	message := digMap(payload, "result", "data", "message")
	result.Answer = firstContentText(message)

	if itineraries := extractItineraries(message); itineraries != nil {
		result.Itineraries = itineraries
	}

	return result, nil
}

// digMap descends nested objects by key, returning nil when any level is
// missing or not an object.
func digMap(payload map[string]interface{}, keys ...string) map[string]interface{} {
	current := payload
	for _, key := range keys {
		next, ok := current[key].(map[string]interface{})
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

// firstContentText returns the text of the first content block of a
// message, or "" when the path is missing or the block list is empty.
func firstContentText(message map[string]interface{}) string {
	if message == nil {
		return ""
	}

	content, ok := message["content"].([]interface{})
	if !ok || len(content) == 0 {
		return ""
	}

	block, ok := content[0].(map[string]interface{})
	if !ok {
		return ""
	}

	text, _ := block["text"].(string)
	return text
}

// extractItineraries scans the message step history for trip-planner tool
// responses. The content of a tool_response is a string holding a second
// layer of JSON; when it mentions tripPatterns it is decoded and the inner
// data.trip.tripPatterns list is taken.
//
// The scan does not stop at the first hit: when several tool responses
// match, the last one encountered wins. That mirrors the behavior the
// frontend was built against (most recent tool call is authoritative).
// Any decode failure is logged and treated as "no itineraries found".
func extractItineraries(message map[string]interface{}) []interface{} {
	if message == nil {
		return nil
	}

	steps, ok := message["step_history"].([]interface{})
	if !ok {
		return nil
	}

	var found []interface{}
	for _, rawStep := range steps {
		step, ok := rawStep.(map[string]interface{})
		if !ok {
			continue
		}

		details, ok := step["step_details"].([]interface{})
		if !ok {
			continue
		}

		for _, rawDetail := range details {
			detail, ok := rawDetail.(map[string]interface{})
			if !ok {
				continue
			}

			if kind, _ := detail["type"].(string); kind != "tool_response" {
				continue
			}

			content, ok := detail["content"].(string)
			if !ok || !strings.Contains(content, tripPatternsMarker) {
				continue
			}

			patterns, err := decodeTripPatterns(content)
			if err != nil {
				log.Printf("[Orchestrate] Warning: failed to decode trip patterns from tool response: %v", err)
				return nil
			}
			found = patterns
		}
	}

	return found
}

// decodeTripPatterns parses a double-encoded tool response and descends to
// data.trip.tripPatterns.
func decodeTripPatterns(content string) ([]interface{}, error) {
	var inner map[string]interface{}
	if err := json.Unmarshal([]byte(content), &inner); err != nil {
		return nil, fmt.Errorf("inner payload is not valid JSON: %w", err)
	}

	trip := digMap(inner, "data", "trip")
	if trip == nil {
		return nil, fmt.Errorf("inner payload has no data.trip object")
	}

	patterns, ok := trip[tripPatternsMarker].([]interface{})
	if !ok {
		return nil, fmt.Errorf("inner payload has no tripPatterns list")
	}

	return patterns, nil
}
