// Package gsioc provides a master-side implementation of the Gilson Serial
// Input/Output Channel (GSIOC) protocol over a transport.Bus.
//
// GSIOC is a half-duplex, byte-oriented protocol: the master addresses one
// slave at a time (unit IDs 0-63) and exchanges commands with it.
//
// # Protocol Overview
//
// Connect: the master sends 0xFF to disconnect every slave, waits the passive
// termination interval (at least 20ms), then sends the unit ID + 128. The
// addressed slave echoes a byte in [0x7F, 0xFF].
//
// Immediate commands are a single ASCII character. The slave answers byte by
// byte; the master acknowledges each byte with ACK (0x06) until a byte with
// bit 7 set ends the response.
//
// Buffered commands are framed as LF + text + CR. The master sends LF until
// the slave echoes LF ('#' means busy), then sends the rest one character at
// a time, reading back an echo for each. The command completes on the CR echo.
//
// # Retries
//
// Every logical operation (Connect, Send) gets a fresh [RetryBudget] which is
// passed to every low-level call. Read timeouts, busy slaves and rejected
// connect echoes consume the budget; exhausting it fails with [ErrNoReply].
//
// # Concurrency
//
// [Engine] is not goroutine-safe. [Dispatcher] serializes many callers onto
// one Engine; both implement [Commander].
package gsioc
