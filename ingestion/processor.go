// Copyright 2025 Poiesic Systems
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

package ingestion

import (
	"context"

	"github.com/poiesic/quiry/broker"
)

// processor is an internal interface for one pipeline stage.
// Implementations consume a single topic.
type processor interface {
	// name identifies the stage in consumer groups, logs and dead letters.
	name() string

	// topic is the topic the stage consumes.
	topic() broker.Topic

	// process handles one message. A returned error has already been
	// retried and sends the message to the dead-letter store.
	process(ctx context.Context, env *broker.Envelope) error
}
