// Package mirror republishes distribution reports to an MQTT broker.
//
// The mirror is best effort: the TCP distribution server remains the
// primary channel and a broker outage never blocks acquisition.
package mirror
