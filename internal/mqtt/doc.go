// Package mqtt publishes planwright health counters to an MQTT broker.
// Each counter is a retained state topic under planwright/<device>/,
// refreshed on a fixed interval. When a discovery prefix is configured
// the publisher also announces the counters as Home Assistant sensors
// so they appear on a single device page.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads and a
// birth message ("online") to the availability topic. A will message
// moves the availability topic to "offline" on unexpected disconnects.
package mqtt
