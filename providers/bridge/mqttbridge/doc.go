// Package mqttbridge republishes execution events to an MQTT broker.
//
// A [Bridge] is a [stream.Sink]: register it on the hub and every event of
// every execution is published as JSON on
// "agentcanvas/executions/<execution id>/events", in sequence order. Devices
// and dashboards that already speak MQTT can follow runs without an HTTP
// connection.
package mqttbridge
