// Package subscription multiplexes many local subscribe requests onto one
// wire-level subscription per topic.
//
// Each Subscribe returns its own Handle. The multiplexer counts live handles
// per topic and talks to the wire only on the 0->1 and 1->0 transitions, so
// any number of UI consumers can share a topic without duplicate traffic.
//
// # Offline interest
//
// Subscribing while the session is down records the interest. Resync, called
// after every new connection, issues one wire subscribe for each topic that
// still has live handles. MarkDisconnected forgets which topics are wired.
//
// # Concurrency
//
// Count changes and the corresponding wire call run under a per-topic lock,
// so subscribe/unsubscribe storms on one topic serialize while unrelated
// topics proceed in parallel.
package subscription
