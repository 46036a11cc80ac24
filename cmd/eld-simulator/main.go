package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/pkg/eldwire"
)

// eld-simulator 在台架上顶替一台 ELD 硬件。它监听一个 TCP 端口，
// 按行应答 HELLO / CONNECT 握手，握手成功后持续推送遥测帧。

func main() {
	// 命令行参数
	var (
		listen      string
		identifier  string
		name        string
		rssi        int
		category    string
		passcode    string
		interval    time.Duration
		silent      bool
		failCode    string
		failMessage string
	)

	flag.StringVar(&listen, "listen", ":9790", "监听地址")
	flag.StringVar(&identifier, "id", "AA:BB:CC:DD:EE:FF", "设备标识 (MAC)")
	flag.StringVar(&name, "name", "PT30-ELD", "广播名称")
	flag.IntVar(&rssi, "rssi", -45, "模拟信号强度")
	flag.StringVar(&category, "category", "eld", "设备类别")
	flag.StringVar(&passcode, "passcode", "", "配对码，留空表示无需认证")
	flag.DurationVar(&interval, "interval", 2*time.Second, "遥测帧间隔")
	flag.BoolVar(&silent, "silent", false, "握手成功但从不发帧")
	flag.StringVar(&failCode, "fail-code", "", "固定拒绝连接的错误码")
	flag.StringVar(&failMessage, "fail-message", "", "固定拒绝连接的错误信息")
	flag.Parse()

	// 设置日志
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	dev := &simDevice{
		identifier:  identifier,
		name:        name,
		rssi:        rssi,
		category:    category,
		passcode:    passcode,
		interval:    interval,
		silent:      silent,
		failCode:    failCode,
		failMessage: failMessage,
		tele: telemetry{
			speed:    52,
			fuel:     82,
			odometer: 128450,
		},
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		log.Fatal().Err(err).Str("listen", listen).Msg("监听失败")
	}

	log.Info().
		Str("listen", listen).
		Str("id", identifier).
		Str("name", name).
		Bool("auth", passcode != "").
		Msg("ELD 模拟器已启动")

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go dev.handleConn(conn)
		}
	}()

	// 等待信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("收到信号，正在关闭...")

	ln.Close()
	log.Info().Msg("ELD 模拟器已停止")
}

// simDevice is one simulated ELD unit
type simDevice struct {
	identifier  string
	name        string
	rssi        int
	category    string
	passcode    string
	interval    time.Duration
	silent      bool
	failCode    string
	failMessage string

	tele telemetry
}

// handleConn serves one agent connection through its whole lifetime
func (d *simDevice) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")

	switch cmd {
	case "HELLO":
		d.writeIdentity(conn)

	case "CONNECT":
		d.handleConnect(conn, reader, arg)

	default:
		fmt.Fprintf(conn, "ERR BAD_COMMAND unrecognized command %q\n", cmd)
	}
}

// writeIdentity answers a scan probe with the advertised identity
func (d *simDevice) writeIdentity(conn net.Conn) {
	ident := map[string]interface{}{
		"identifier":   d.identifier,
		"name":         d.name,
		"rssi":         d.rssi + rand.Intn(7) - 3,
		"category":     d.category,
		"requiresAuth": d.passcode != "",
		"firmware":     "sim-1.4.2",
	}

	data, err := json.Marshal(ident)
	if err != nil {
		return
	}

	conn.Write(append(data, '\n'))
}

// handleConnect validates the handshake and streams frames until the
// agent hangs up
func (d *simDevice) handleConnect(conn net.Conn, reader *bufio.Reader, passcode string) {
	if d.failMessage != "" {
		code := d.failCode
		if code == "" {
			code = "CONNECT_FAILED"
		}
		fmt.Fprintf(conn, "ERR %s %s\n", code, d.failMessage)
		log.Info().Str("code", code).Msg("按配置拒绝连接")
		return
	}

	if d.passcode != "" && passcode != d.passcode {
		fmt.Fprintf(conn, "ERR AUTH_FAILED passcode rejected by device\n")
		log.Info().Int("got_len", len(passcode)).Msg("配对码校验失败")
		return
	}

	if _, err := io.WriteString(conn, "OK\n"); err != nil {
		return
	}

	log.Info().Str("peer", conn.RemoteAddr().String()).Msg("链路建立")

	if d.silent {
		// 静默模式：保持链路但一帧不发，用来演练数据活性超时
		io.Copy(io.Discard, reader)
		log.Info().Msg("链路断开 (静默模式)")
		return
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	// 对端关闭时 ReadString 返回错误
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		io.Copy(io.Discard, reader)
	}()

	for {
		select {
		case <-closed:
			log.Info().Msg("链路断开")
			return

		case <-ticker.C:
			frame := d.tele.next(d.interval)
			data, err := frame.Marshal()
			if err != nil {
				log.Error().Err(err).Msg("帧编码失败")
				continue
			}
			if _, err := conn.Write(data); err != nil {
				log.Info().Msg("链路断开")
				return
			}
		}
	}
}

// telemetry drives a plausible driving pattern
type telemetry struct {
	mu sync.Mutex

	speed    float64
	fuel     uint8
	odometer uint32
	odoFrac  float64
	burnPool float64
}

// next advances the pattern by one interval and returns the frame
func (t *telemetry) next(interval time.Duration) *eldwire.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()

	// 速度随机游走，限制在 0 到 70 mph
	t.speed += (rand.Float64() - 0.5) * 6
	if t.speed < 0 {
		t.speed = 0
	}
	if t.speed > 70 {
		t.speed = 70
	}

	// 里程按速度积累
	t.odoFrac += t.speed * interval.Hours()
	for t.odoFrac >= 1 {
		t.odometer++
		t.odoFrac--
	}

	// 油量缓慢下降
	t.burnPool += t.speed * interval.Hours() / 6.5
	for t.burnPool >= 1 && t.fuel > 0 {
		t.fuel--
		t.burnPool--
	}

	duty := eldwire.DutyDriving
	if t.speed < 1 {
		duty = eldwire.DutyOnDutyNotDriving
	}

	return &eldwire.Frame{
		SpeedMph:      float64(int(t.speed*10)) / 10,
		EngineRPM:     uint16(600 + t.speed*22),
		FuelLevelPct:  t.fuel,
		OdometerMiles: t.odometer,
		DutyStatus:    duty,
	}
}
