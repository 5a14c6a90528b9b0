package echo_test

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/saveenergy/losstest/internal/config"
	"github.com/saveenergy/losstest/internal/echo"
	"github.com/saveenergy/losstest/internal/packet"
)

func testConfig(protocol string, size int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0
	cfg.Protocol = protocol
	cfg.MessageSize = size
	cfg.ReadTimeout = 50 * time.Millisecond
	cfg.StatsInterval = 0
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, opts ...echo.Option) *echo.Server {
	t.Helper()
	srv, err := echo.NewServer(cfg, opts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestTCPEchoesFramesVerbatim(t *testing.T) {
	srv := startServer(t, testConfig(config.ProtocolTCP, 64))

	conn, err := net.Dial("tcp", srv.TCPAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for seq := uint64(0); seq < 5; seq++ {
		frame, _ := packet.Encode(seq, 64)
		// Split writes must still be echoed as one frame.
		conn.Write(frame[:10])
		conn.Write(frame[10:])

		got := make([]byte, 64)
		conn.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := io.ReadFull(conn, got); err != nil {
			t.Fatalf("read echo %d: %v", seq, err)
		}
		if !bytes.Equal(got, frame) {
			t.Fatalf("echo %d differs from request", seq)
		}
	}

	st := srv.Stats()
	if st.PacketsEchoed != 5 || st.PacketsReceived != 5 {
		t.Fatalf("stats = %+v, want 5 received/echoed", st)
	}
}

func TestUDPEchoesDatagrams(t *testing.T) {
	srv := startServer(t, testConfig(config.ProtocolUDP, 128))

	conn, err := net.Dial("udp", srv.UDPAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame, _ := packet.Encode(7, 128)
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, 256)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(got)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got[:n], frame) {
		t.Fatalf("echo differs: %d bytes", n)
	}
}

func TestBothProtocolsShareOnePort(t *testing.T) {
	srv := startServer(t, testConfig(config.ProtocolBoth, 32))

	tcpPort := srv.TCPAddr().(*net.TCPAddr).Port
	udpPort := srv.UDPAddr().(*net.UDPAddr).Port
	if tcpPort != udpPort {
		t.Fatalf("tcp port %d != udp port %d", tcpPort, udpPort)
	}
	if got := srv.Stats().Protocols; len(got) != 2 {
		t.Fatalf("protocols = %v", got)
	}
}

func TestShortReadEndsOnlyThatConnection(t *testing.T) {
	srv := startServer(t, testConfig(config.ProtocolTCP, 32))

	bad, err := net.Dial("tcp", srv.TCPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	good, err := net.Dial("tcp", srv.TCPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer good.Close()

	bad.Write(make([]byte, 10))
	bad.Close()

	frame, _ := packet.Encode(1, 32)
	good.Write(frame)
	got := make([]byte, 32)
	good.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(good, got); err != nil {
		t.Fatalf("healthy connection affected: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for srv.Stats().ActiveTCPConns != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("active conns = %d, want 1", srv.Stats().ActiveTCPConns)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConcurrentTCPConnections(t *testing.T) {
	srv := startServer(t, testConfig(config.ProtocolTCP, 48))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			conn, err := net.Dial("tcp", srv.TCPAddr().String())
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			for seq := uint64(0); seq < 10; seq++ {
				frame, _ := packet.Encode(id<<32|seq, 48)
				conn.Write(frame)
				got := make([]byte, 48)
				conn.SetReadDeadline(time.Now().Add(2 * time.Second))
				if _, err := io.ReadFull(conn, got); err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(got, frame) {
					errs <- io.ErrUnexpectedEOF
					return
				}
			}
		}(uint64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("client error: %v", err)
	}
	if got := srv.Stats().TotalTCPConns; got != 8 {
		t.Fatalf("total conns = %d, want 8", got)
	}
}

func TestImpairmentDropsReplies(t *testing.T) {
	dropEven := echo.ImpairmentFunc(func(p []byte) (bool, time.Duration) {
		pkt, err := packet.Decode(p)
		return err == nil && pkt.Sequence%2 == 0, 0
	})
	srv := startServer(t, testConfig(config.ProtocolUDP, 32), echo.WithImpairment(dropEven))

	conn, err := net.Dial("udp", srv.UDPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	received := 0
	for seq := uint64(0); seq < 4; seq++ {
		frame, _ := packet.Encode(seq, 32)
		conn.Write(frame)
		conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
		buf := make([]byte, 64)
		if _, err := conn.Read(buf); err == nil {
			received++
		}
	}
	if received != 2 {
		t.Fatalf("received %d replies, want 2", received)
	}
	if got := srv.Stats().PacketsDropped; got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
}

func TestRandomLossExtremes(t *testing.T) {
	if drop, _ := (echo.RandomLoss{Rate: 1}).Decide(nil); !drop {
		t.Fatal("rate 1 should always drop")
	}
	drop, delay := (echo.RandomLoss{Rate: 0, Delay: time.Millisecond}).Decide(nil)
	if drop || delay != time.Millisecond {
		t.Fatalf("rate 0 = (%v, %v), want (false, 1ms)", drop, delay)
	}
}

func TestStateTransitionsAndIdempotentClose(t *testing.T) {
	srv, err := echo.NewServer(testConfig(config.ProtocolUDP, 32))
	if err != nil {
		t.Fatal(err)
	}
	if srv.State() != echo.StateIdle {
		t.Fatalf("state = %v, want idle", srv.State())
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	if srv.State() != echo.StateListening {
		t.Fatalf("state = %v, want listening", srv.State())
	}
	if err := srv.Start(); err == nil {
		t.Fatal("second Start should fail")
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.Close()
		}()
	}
	wg.Wait()
	if srv.State() != echo.StateStopped {
		t.Fatalf("state = %v, want stopped", srv.State())
	}
}

func TestTimeoutDoesNotStopServer(t *testing.T) {
	srv := startServer(t, testConfig(config.ProtocolTCP, 16))

	conn, err := net.Dial("tcp", srv.TCPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Several read timeouts pass before the frame arrives.
	time.Sleep(200 * time.Millisecond)
	frame, _ := packet.Encode(3, 16)
	conn.Write(frame)
	got := make([]byte, 16)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("echo after idle period: %v", err)
	}
}

func TestConnectionLimit(t *testing.T) {
	cfg := testConfig(config.ProtocolTCP, 16)
	cfg.MaxTCPConns = 1
	srv := startServer(t, cfg)

	first, err := net.Dial("tcp", srv.TCPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	frame, _ := packet.Encode(0, 16)
	first.Write(frame)
	first.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(first, make([]byte, 16)); err != nil {
		t.Fatalf("first connection: %v", err)
	}

	second, err := net.Dial("tcp", srv.TCPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	second.Write(frame)
	second.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(second, make([]byte, 16)); err == nil {
		t.Fatal("second connection should be rejected at the limit")
	}
}
