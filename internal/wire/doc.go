// Package wire defines the messages exchanged between the gateway and the
// workers through the broker.
//
// Two queues carry traffic:
//
//   - question queue: one Envelope per client request, published by the gateway
//   - answer queue: many AnswerEvents per request, published by workers
//
// Both bodies are double encoded: the JSON object is serialised, and the
// resulting text is serialised again as a JSON string. Decode tolerates a
// single-encoded object for compatibility with older workers.
//
// Every AnswerEvent carries a numeric type:
//
//	4  text delta, reasoning delta, error text, or the "[stop]" sentinel
//	5  JSON array of tool status objects ("Working" / "Done")
//	6  JSON reference data from retrieval tools
//	7  JSON entity data {"diseases": [...], "drugs": [...]}
package wire
