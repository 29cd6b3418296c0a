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

// Package orchestrate is a client for the IBM watsonx Orchestrate run API.
//
// It covers the full run lifecycle the relay needs:
//
//   - IAM token acquisition with a pluggable cache (in-process or Redis)
//   - run submission for a user query, optionally continuing a thread
//   - run status polling
//   - normalization of the raw status payload into a flat
//     {status, answer, itineraries} result
//
// The status payload returned by Orchestrate is deeply nested and has
// drifted across upstream versions, so normalization is deliberately
// defensive: every extraction degrades to an empty value instead of
// failing the whole response.
package orchestrate
