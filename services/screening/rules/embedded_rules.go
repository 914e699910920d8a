// Copyright (C) 2025 Gold Terra Resource Corp.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
This file bridges the build system and the runtime logic. It uses the Go
embed package to bake prompt_screening_rules.yaml directly into the compiled
binary, so the screening rules are immutable at runtime and travel with the
executable.
*/

package rules

import (
	_ "embed"
)

// PromptScreeningRules holds the raw byte content of 'prompt_screening_rules.yaml'.
//
// Populated at compile time via the embed directive. Baking the YAML into
// the binary means the rules cannot be tampered with on the host filesystem
// without recompiling the application.
//
// Usage:
//
//	err := yaml.Unmarshal(rules.PromptScreeningRules, &targetStruct)
//
//go:embed prompt_screening_rules.yaml
var PromptScreeningRules []byte
