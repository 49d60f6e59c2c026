// Command ctlnet is the collaborator CLI of spec.md §6: it drives the
// control-plane operations (route table, interface addressing) and
// serves the core's Prometheus metrics.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ctos-project/netcore/config"
	"github.com/ctos-project/netcore/control"
	"github.com/ctos-project/netcore/iface"
	"github.com/ctos-project/netcore/ipv4"
	"github.com/ctos-project/netcore/klog"
)

var (
	cfgPath string
	api     *control.API
)

func main() {
	root := &cobra.Command{
		Use:   "ctlnet",
		Short: "control plane for the ctOS IPv4 networking core",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			if err := klog.Init(cfg.LogLevel); err != nil {
				return err
			}

			ifaceLayer := iface.New(0)
			routes := ipv4.NewRouteTable()
			ifaceLayer.Router = routes

			api = control.New(ifaceLayer, routes)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML config file")

	root.AddCommand(routeCmd(), ifaceCmd(), serveMetricsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func routeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "route", Short: "manage the routing table"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list every installed route",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, r := range api.ListRoutes() {
				fmt.Printf("%-18s %-18s %-18s %-6s %s\n", r.Dest, r.Mask, r.Gateway, r.Flags, r.NIC)
			}
			return nil
		},
	})

	var dst, mask, gw, nicName string
	var gwFlag bool

	add := &cobra.Command{
		Use:   "add",
		Short: "add a route",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := iface.RouteFlagUp
			if gwFlag {
				flags |= iface.RouteFlagGW
			}
			return api.AddRoute(net.ParseIP(dst), net.ParseIP(mask), net.ParseIP(gw), nicName, flags)
		},
	}
	add.Flags().StringVar(&dst, "dst", "0.0.0.0", "destination network")
	add.Flags().StringVar(&mask, "mask", "0.0.0.0", "destination netmask")
	add.Flags().StringVar(&gw, "gw", "0.0.0.0", "gateway address")
	add.Flags().StringVar(&nicName, "nic", "", "outgoing interface name")
	add.Flags().BoolVar(&gwFlag, "via-gateway", false, "set the GW flag")
	cmd.AddCommand(add)

	del := &cobra.Command{
		Use:   "del",
		Short: "remove a route",
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.RemoveRoute(net.ParseIP(dst), net.ParseIP(mask), net.ParseIP(gw), nicName)
		},
	}
	del.Flags().StringVar(&dst, "dst", "0.0.0.0", "destination network")
	del.Flags().StringVar(&mask, "mask", "0.0.0.0", "destination netmask")
	del.Flags().StringVar(&gw, "gw", "0.0.0.0", "gateway address")
	del.Flags().StringVar(&nicName, "nic", "", "outgoing interface name")
	cmd.AddCommand(del)

	return cmd
}

func ifaceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "iface", Short: "manage interfaces"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list registered interfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, v := range api.ListInterfaces() {
				fmt.Printf("%-8s %-18s %-18s assigned=%v\n", v.Name, v.Address, v.Netmask, v.Assigned)
			}
			return nil
		},
	})

	var nicName, addr string

	setAddr := &cobra.Command{
		Use:   "set-addr",
		Short: "assign an address to an interface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.SetAddress(nicName, net.ParseIP(addr))
		},
	}
	setAddr.Flags().StringVar(&nicName, "nic", "", "interface name")
	setAddr.Flags().StringVar(&addr, "addr", "", "address to assign")
	cmd.AddCommand(setAddr)

	return cmd
}

func serveMetricsCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "serve Prometheus metrics over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			http.Handle("/metrics", promhttp.Handler())
			return http.ListenAndServe(listen, nil)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":9107", "address to serve metrics on")

	return cmd
}
