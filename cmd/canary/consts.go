package main

import "time"

const (
	defaultTxQueue  = 1024      // capacity of async TX queue
	isotpReadBuf    = 64 * 1024 // largest ISO-TP datagram (FD) fits
	isotpMaxClassic = 4095
	flushTimeout    = 2 * time.Second
	rxBackoffMin    = 20 * time.Millisecond
	rxBackoffMax    = 500 * time.Millisecond
)
