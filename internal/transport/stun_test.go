package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/stun"
)

// fakeSTUNServer answers binding requests with the sender's address. When
// noise is set it first sends a non-STUN datagram and a response with the
// wrong transaction ID.
func fakeSTUNServer(t *testing.T, noise bool) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			if noise {
				conn.WriteToUDP([]byte("not a stun packet"), from)
				wrong := stun.MustBuild(stun.TransactionID, stun.BindingSuccess,
					&stun.XORMappedAddress{IP: net.IPv4(10, 0, 0, 1), Port: 1})
				conn.WriteToUDP(wrong.Raw, from)
			}
			res := stun.MustBuild(stun.NewTransactionIDSetter(req.TransactionID), stun.BindingSuccess,
				&stun.XORMappedAddress{IP: from.IP, Port: from.Port})
			conn.WriteToUDP(res.Raw, from)
		}
	}()
	return conn
}

func TestProbePublicAddr(t *testing.T) {
	for _, noise := range []bool{false, true} {
		server := fakeSTUNServer(t, noise)
		client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		defer client.Close()

		addr, err := ProbePublicAddr(context.Background(), client, []string{"stun:" + server.LocalAddr().String()}, time.Second, nil)
		if err != nil {
			t.Fatalf("noise=%v: ProbePublicAddr: %v", noise, err)
		}
		local := client.LocalAddr().(*net.UDPAddr)
		if addr.Port != local.Port || !addr.IP.Equal(local.IP) {
			t.Errorf("noise=%v: public addr = %v, want %v", noise, addr, local)
		}
	}
}

func TestProbePublicAddrNoServer(t *testing.T) {
	// A bound socket that never answers.
	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer silent.Close()
	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer client.Close()

	_, err = ProbePublicAddr(context.Background(), client, []string{silent.LocalAddr().String(), "not-an-address"}, 50*time.Millisecond, nil)
	if err != ErrNoPublicAddr {
		t.Fatalf("err = %v, want ErrNoPublicAddr", err)
	}
}
