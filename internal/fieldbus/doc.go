// Package fieldbus is the acquisition side of the Plant Monitoring Container.
//
// A Client polls temperature, pressure and radiation instruments over a
// fixed-frame, register-oriented TCP fieldbus. Every request carries a 7-byte
// header (transaction id, protocol id, length, unit id) followed by a function
// code, a register address and a register count; only the two register read
// functions are implemented.
//
// Sensor ids encode their location: (deviceIndex+1)*1000 + categoryCode*100 +
// channel. The category selects a disjoint register range and the channel is the
// offset within it, so a sensor id alone resolves to a device and a register.
//
// A device whose request fails at the transport level is marked Faulted and is not
// contacted again until Reconnect or ConnectAll. Retry timing is left to the caller.
package fieldbus
