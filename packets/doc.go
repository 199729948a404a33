// Package packets implements the MQTT v3.1.1 wire format: encoding and
// decoding of control packets over byte buffers. The package performs no
// I/O; callers own the buffers and the transport.
package packets
