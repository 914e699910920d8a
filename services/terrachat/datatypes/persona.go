// Copyright (C) 2025 Gold Terra Resource Corp.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import _ "embed"

// SystemPersona is the fixed system instruction for the Terra
// investor-relations assistant.
//
// The text is authored by the IR team and maintained in persona.md; it
// is baked into the binary at compile time so the persona is immutable
// at runtime and travels with the executable. The service treats it as
// opaque text: it is never parsed or templated, only prepended to each
// model invocation as the system message.
//
//go:embed persona.md
var SystemPersona string
