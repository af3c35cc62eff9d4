package ward

import (
	"io"
	"net"
	"sync"
	"time"
)

// TunnelStats reports what a finished tunnel relayed.
type TunnelStats struct {
	// BytesUp is client-to-origin traffic.
	BytesUp int64

	// BytesDown is origin-to-client traffic.
	BytesDown int64

	Duration time.Duration
}

// relayTunnel shuttles bytes between client and origin until either
// side closes or stays idle past idleTimeout. Both connections are
// closed before it returns. The payload is never inspected; an
// established tunnel is opaque.
func relayTunnel(client, origin net.Conn, idleTimeout time.Duration) TunnelStats {
	start := time.Now()

	var wg sync.WaitGroup
	var bytesUp, bytesDown int64

	wg.Add(2)
	go func() {
		defer wg.Done()
		bytesUp = copyWithIdleTimeout(origin, client, idleTimeout)
		// Half-close toward the origin so it sees EOF while the
		// downstream copy can still drain.
		if tc, ok := origin.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		} else {
			_ = origin.Close()
		}
	}()
	go func() {
		defer wg.Done()
		bytesDown = copyWithIdleTimeout(client, origin, idleTimeout)
		if tc, ok := client.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		} else {
			_ = client.Close()
		}
	}()
	wg.Wait()

	_ = client.Close()
	_ = origin.Close()

	return TunnelStats{
		BytesUp:   bytesUp,
		BytesDown: bytesDown,
		Duration:  time.Since(start),
	}
}

// copyWithIdleTimeout copies src to dst, resetting the read deadline
// before each read so a silent connection eventually unblocks.
func copyWithIdleTimeout(dst io.Writer, src net.Conn, idleTimeout time.Duration) int64 {
	buf := make([]byte, 32*1024)
	var total int64

	for {
		if idleTimeout > 0 {
			_ = src.SetReadDeadline(time.Now().Add(idleTimeout))
		}
		n, err := src.Read(buf)
		if n > 0 {
			written, werr := dst.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total
			}
		}
		if err != nil {
			return total
		}
	}
}
