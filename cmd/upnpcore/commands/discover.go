package commands

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/strefethen/upnp-core-go/internal/adapter"
	"github.com/strefethen/upnp-core-go/internal/config"
	"github.com/strefethen/upnp-core-go/internal/cp/devicelist"
	"github.com/strefethen/upnp-core-go/internal/ssdp"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Listen for SSDP announcements and print discovered devices",
	RunE:  runDiscover,
}

var discoverTimeout time.Duration
var discoverSearchTarget string

func init() {
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", 10*time.Second, "How long to listen before exiting")
	discoverCmd.Flags().StringVar(&discoverSearchTarget, "st", "ssdp:all", "Search target for the initial M-SEARCH burst")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := log.Default()

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

	list := devicelist.New(devicelist.Options{
		Logger:       logger,
		Fetcher:      devicelist.NewHTTPFetcher(cfg.XMLFetchTimeout),
		Socket:       sock,
		SearchTarget: discoverSearchTarget,
		Filter:       filterFromTarget(discoverSearchTarget),
		Adapters:     adapters,
		RetryWindow:  cfg.NewAdapterRetryWindow,
		DefaultMX:    cfg.MsearchMx,
	})
	list.AddListener(func(u devicelist.Update) {
		switch u.Kind {
		case devicelist.Added:
			fmt.Printf("+ %s\n", u.UDN)
		case devicelist.Removed:
			fmt.Printf("- %s\n", u.UDN)
		}
	})
	list.Start()
	defer list.Close()

	list.Refresh(cfg.MsearchMx)

	time.Sleep(discoverTimeout)
	return nil
}

// filterFromTarget derives the matching devicelist.Filter for a search
// target string, so "discover --st" both drives the outgoing M-SEARCH's
// ST header and restricts which incoming NOTIFY/search-reply traffic the
// list accepts.
func filterFromTarget(target string) devicelist.Filter {
	switch {
	case target == "" || target == "ssdp:all":
		return devicelist.Filter{Kind: devicelist.FilterAll}
	case target == "upnp:rootdevice":
		return devicelist.Filter{Kind: devicelist.FilterRootOnly}
	case strings.HasPrefix(target, "uuid:"):
		return devicelist.Filter{Kind: devicelist.FilterByUUID, Target: strings.TrimPrefix(target, "uuid:")}
	case strings.Contains(target, ":service:"):
		return devicelist.Filter{Kind: devicelist.FilterByServiceType, Target: target}
	default:
		return devicelist.Filter{Kind: devicelist.FilterByDeviceType, Target: target}
	}
}
