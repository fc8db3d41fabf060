/*
 * Copyright 2012-2023 Jason Woods and contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package intake

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/driskell/apm-courier/ac-lib/core"
)

// userAgent identifies the agent and its Go runtime on every intake request
func userAgent() string {
	return fmt.Sprintf(
		"%s/%s Go-http-client/1.1 go/%s",
		core.APMCourierAgentName,
		core.APMCourierVersion,
		strings.TrimPrefix(runtime.Version(), "go"),
	)
}
