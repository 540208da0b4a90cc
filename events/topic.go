package events

import "strings"

// SerialPlaceholder is replaced by the routing key in topic templates
const SerialPlaceholder = "{serial}"

var keyReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

// Topic resolves template for the given routing key
//
// MQTT level separators and wildcards in the key are replaced so a
// device can only ever publish below its own topic.
func Topic(template, key string) string {
	return strings.ReplaceAll(template, SerialPlaceholder, keyReplacer.Replace(key))
}
