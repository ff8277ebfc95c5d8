/*
Package broker is the top-level facade: Broker composes pkg/queue,
pkg/reaper, and pkg/session over one pkg/storage.Store and exposes the
full core operation set a transport (HTTP, gRPC, MCP, CLI) would wrap.

Broker itself holds no business logic beyond request shaping (defaulting
optional fields from Config, translating a patch struct into a
load-mutate-store round trip); the state machine lives in the
sub-packages it composes. This mirrors the teacher's Manager, which is
likewise a thin composition root over raft/fsm/scheduler rather than a
place new cluster logic gets added.

Config is the broker's YAML-loadable configuration surface, read the way
cmd/warren's apply.go reads resource YAML: gopkg.in/yaml.v3 into a
plain struct, defaults applied for anything left zero-valued.
*/
package broker
