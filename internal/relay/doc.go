// Package relay connects the broker queues to the rest of the system.
//
// Publisher puts request envelopes on the question queue; AnswerPublisher
// is its worker-side twin for the answer queue. Consumer is the gateway's
// single ingress loop: it decodes each answer event, hands it to the session
// registry, and acknowledges it once handed off. Delivery to the client is
// best effort, so acknowledgement never waits for the client.
package relay
