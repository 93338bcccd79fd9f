// Package socketcan binds the codec types of package can onto Linux
// SocketCAN sockets: protocol descriptors, typed endpoints, socket options
// and a generic socket over the runtime poller.
package socketcan
