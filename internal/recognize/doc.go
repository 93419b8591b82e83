// Package recognize rewrites multi-part user messages into plain text.
//
// Clients may send a message whose content is a list of parts: text,
// image URLs, and file paths. Before the request is published, each image
// or file part is sent to the recognition service together with the most
// recent preceding text as the question, and the returned description
// takes its place. The parts are then joined into a single string so the
// question queue only ever carries text.
//
// Failures never reject the request. A failing service call becomes an
// inline error note; an unconfigured service leaves a placeholder that
// names the attachment.
package recognize
