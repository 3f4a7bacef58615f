// Package gps reads NMEA 0183 sentences from a GNSS receiver's serial port.
//
// The parser understands GGA (position, quality, satellites) and RMC (the
// calendar date GGA lacks). Every other sentence type is passed through to
// the broadcast forwarder untouched.
package gps
