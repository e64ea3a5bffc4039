// Copyright 2026 Cordon Labs
//
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

package orchestrator

import (
	"regexp"
	"strings"

	"github.com/cordonlabs/cordon/schema"
)

var verdictRe = regexp.MustCompile(`(?i)\bVERDICT\s*:\s*(PASS|FAIL)\b`)

// Phrase fallbacks for reviewers that state a conclusion without the
// VERDICT: marker. Negative phrases are checked first so "NOT APPROVED"
// never reads as a pass.
var (
	failPhrases = []string{
		"NOT APPROVED",
		"DO NOT DISTRIBUTE",
		"REJECTED",
	}
	passPhrases = []string{
		"APPROVED FOR DISTRIBUTION",
		"READY FOR DISTRIBUTION",
		"LGTM",
	}
)

// ParseVerdict extracts the reviewer's PASS/FAIL decision from free text.
// An explicit "VERDICT: PASS|FAIL" marker wins, case-insensitive, with
// markdown bold tolerated; the last marker in the text is authoritative.
func ParseVerdict(text string) (schema.Verdict, bool) {
	cleaned := strings.ReplaceAll(text, "**", "")

	matches := verdictRe.FindAllStringSubmatch(cleaned, -1)
	if len(matches) > 0 {
		last := strings.ToUpper(matches[len(matches)-1][1])
		return schema.Verdict(last), true
	}

	upper := strings.ToUpper(cleaned)
	for _, phrase := range failPhrases {
		if strings.Contains(upper, phrase) {
			return schema.VerdictFail, true
		}
	}
	for _, phrase := range passPhrases {
		if strings.Contains(upper, phrase) {
			return schema.VerdictPass, true
		}
	}
	return "", false
}
