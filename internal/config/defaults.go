/**
* Copyright 2018 Comcast Cable Communications Management, LLC
* Licensed under the Apache License, Version 2.0 (the "License");
* you may not use this file except in compliance with the License.
* You may obtain a copy of the License at
* http://www.apache.org/licenses/LICENSE-2.0
* Unless required by applicable law or agreed to in writing, software
* distributed under the License is distributed on an "AS IS" BASIS,
* WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
* See the License for the specific language governing permissions and
* limitations under the License.
 */

package config

// Defaults for the configuration surface enumerated in spec.md §6.
const (
	defaultContentCacheEnabled = true
	defaultSessionCacheMBViewer = 256
	defaultSessionCacheMBServer = 2048

	defaultPersistentCacheEnabled = true
	defaultPersistentMemMB         = 256
	defaultPersistentDiskMB        = 0 // 0 means 2*memMB, resolved at load time
	defaultShardMB                 = 64

	defaultMinRectSize = 4096 // pixels
	defaultMaxAgeSec   = 300  // 0 disables server-side pruning

	defaultBatchQueryCount      = 32
	defaultBatchQueryBytes      = 4096
	defaultBatchQueryTimeoutMs  = 5
	defaultBatchMaxOutstanding  = 4

	defaultSampledHashAreaThreshold = 262144 // pixels; spec.md §4.1
	defaultSampledHashStrideN       = 4

	defaultDebugListenAddress = "127.0.0.1"
	defaultDebugListenPort    = 9091

	defaultLogLevel = "info"

	defaultTracerImplementation = "stdout"
)
