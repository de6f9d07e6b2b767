package commands

import (
	"fmt"
	"log"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/strefethen/upnp-core-go/internal/adapter"
	"github.com/strefethen/upnp-core-go/internal/clock"
	"github.com/strefethen/upnp-core-go/internal/config"
	"github.com/strefethen/upnp-core-go/internal/dv/announce"
	"github.com/strefethen/upnp-core-go/internal/dv/server"
	"github.com/strefethen/upnp-core-go/internal/dv/subscription"
	"github.com/strefethen/upnp-core-go/internal/ssdp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Advertise a demo device over SSDP and serve its description/events",
	RunE:  runServe,
}

var serveDeviceType string
var serveDuration time.Duration

func init() {
	serveCmd.Flags().StringVar(&serveDeviceType, "device-type", "urn:schemas-upnp-org:device:BinaryLight:1", "Root device type to advertise")
	serveCmd.Flags().DurationVar(&serveDuration, "duration", 0, "How long to run before shutting down (0 = forever)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := log.Default()
	udn := uuid.NewString()

	adapters, err := adapter.NewService(logger, cfg.LoopbackLast)
	if err != nil {
		return fmt.Errorf("start adapter service: %w", err)
	}
	defer adapters.Close()

	sock, err := ssdp.OpenSocket()
	if err != nil {
		return fmt.Errorf("open ssdp socket: %w", err)
	}
	defer sock.Close()

	c := clock.Real{}
	rnd := clock.NewSystemRand(time.Now().UnixNano())
	sched := announce.NewScheduler(logger, c, rnd, sock)

	svc := subscription.NewService("Status")
	subsManager := subscription.NewManager(
		logger, c,
		server.NewHTTPWriterFactory(cfg.XMLFetchTimeout),
		cfg.DvNumPublisherThreads,
		cfg.DvMaxUpdateTimeSecs,
		cfg.XMLFetchTimeout,
	)
	defer subsManager.Shutdown()

	descriptionXML := []byte(fmt.Sprintf(`<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>%s</deviceType>
    <friendlyName>upnp-core demo device</friendlyName>
    <UDN>uuid:%s</UDN>
  </device>
</root>`, serveDeviceType, udn))

	farm := server.NewFarm(logger, adapters, subsManager, func() []byte { return descriptionXML })
	farm.RegisterService("/events/Status", svc)
	if err := farm.Start(); err != nil {
		return fmt.Errorf("start server farm: %w", err)
	}
	defer farm.Shutdown()

	currentInfo := func() announce.DeviceInfo {
		info := announce.DeviceInfo{
			UDN:        udn,
			DeviceType: serveDeviceType,
			IsRoot:     true,
			MaxAgeSecs: cfg.DvMaxUpdateTimeSecs,
			Server:     "Go/1 UPnP/1.1 upnp-core/1.0",
		}
		if cur, ok := adapters.Current(); ok {
			info.Location = fmt.Sprintf("http://%s:%d/desc.xml", cur.IPv4, farm.Port())
		}
		return info
	}
	info := currentInfo()

	searchListener := announce.NewMSearchListener(logger, sock, sched, currentInfo)
	searchListener.Start()
	defer searchListener.Close()

	dest := &net.UDPAddr{IP: net.ParseIP(ssdp.MulticastIP), Port: ssdp.MulticastPort}
	sched.Start(udn, announce.BuildAlive(info), dest, time.Second)

	logger.Printf("serving device %s", udn)

	svc.SetValue("Status", "0")

	if serveDuration > 0 {
		time.Sleep(serveDuration)
		sched.Start(udn, announce.BuildByeBye(info), dest, time.Second)
		time.Sleep(200 * time.Millisecond)
		return nil
	}

	select {}
}
