// Package graphqlgateway is a federation-aware GraphQL gateway.
//
// The gateway fetches the SDL of every configured service, composes one
// federated schema from them and serves it on a single endpoint.
//
// Packages
//
// - pkg/federation composes service SDLs (@key, @extends, @external, @requires,
// @provides) and implements the service side of _entities and _service.
//
// - pkg/gateway/registry tracks services, their health and the retry of failed SDL fetches.
//
// - pkg/gateway/planner splits a client operation into service fetches, resolves
// entities across services and merges the responses in client field order.
//
// - pkg/subscription runs the graphql-ws protocol for clients. Subscriptions are
// served from a pkg/pubsub topic or proxied to the owning service through
// pkg/subscription/upstream.
//
// - pkg/http and pkg/subscription/websocket adapt the gateway to net/http.
//
// The gateway binary in cmd/gateway wires all of it from a YAML configuration.
package graphqlgateway
