// Package repl is the interactive console of vhost and vrouter.
package repl

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/pkg/errors"

	"iptcp/pkg/ipstack"
	"iptcp/pkg/socket"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	errUsage          = errors.New("usage")
)

type command struct {
	usage string
	run   func(args []string) error
}

type REPL struct {
	ip      *ipstack.IPStack
	sockets *socket.Table

	mu  sync.Mutex // serialises writes to out
	out io.Writer

	cmds map[string]command
}

// New builds a console for ip. sockets is nil on routers, which then
// only get the IP commands.
func New(ip *ipstack.IPStack, sockets *socket.Table, out io.Writer) *REPL {
	r := &REPL{ip: ip, sockets: sockets, out: out}
	r.cmds = map[string]command{
		"li":   {"li", r.listInterfaces},
		"ln":   {"ln", r.listNeighbors},
		"lr":   {"lr", r.listRoutes},
		"up":   {"up <ifname>", r.setUp(true)},
		"down": {"down <ifname>", r.setUp(false)},
		"send": {"send <addr> <message>", r.sendTest},
	}
	if sockets != nil {
		r.cmds["a"] = command{"a <port>", r.accept}
		r.cmds["c"] = command{"c <vip> <port>", r.connect}
		r.cmds["s"] = command{"s <socket ID> <bytes>", r.sendTCP}
		r.cmds["r"] = command{"r <socket ID> <numbytes>", r.readTCP}
		r.cmds["cl"] = command{"cl <socket ID>", r.closeSocket}
		r.cmds["ls"] = command{"ls", r.listSockets}
	}
	return r
}

// Run reads commands from in until EOF or ctx is cancelled.
func (r *REPL) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		r.printf("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := r.Exec(scanner.Text()); err != nil {
			r.printf("error: %v\n", err)
		}
	}
}

// Exec runs one command line.
func (r *REPL) Exec(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	name, rest, _ := strings.Cut(line, " ")
	if name == "help" || name == "?" {
		r.help()
		return nil
	}
	cmd, ok := r.cmds[name]
	if !ok {
		return errors.Wrap(ErrUnknownCommand, name)
	}

	var args []string
	if name == "send" || name == "s" {
		// the last argument is free text
		args = strings.SplitN(strings.TrimSpace(rest), " ", 2)
	} else {
		args = strings.Fields(rest)
	}
	err := cmd.run(args)
	if errors.Is(err, errUsage) {
		return errors.Errorf("usage: %s", cmd.usage)
	}
	return err
}

func (r *REPL) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// table renders rows with a tabwriter and prints them in one write.
func (r *REPL) table(header string, rows func(w io.Writer)) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, header)
	rows(w)
	w.Flush()
	r.printf("%s", buf.String())
}

func (r *REPL) help() {
	names := make([]string, 0, len(r.cmds))
	for name := range r.cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	r.table("Command\tUsage", func(w io.Writer) {
		for _, name := range names {
			fmt.Fprintf(w, "%s\t%s\n", name, r.cmds[name].usage)
		}
	})
}

func (r *REPL) listInterfaces(args []string) error {
	r.table("Name\tAddr/Prefix\tState", func(w io.Writer) {
		for _, iface := range r.ip.Interfaces {
			state := "down"
			if iface.Up() {
				state = "up"
			}
			prefix := netip.PrefixFrom(iface.AssignedIP, iface.AssignedPrefix.Bits())
			fmt.Fprintf(w, "%s\t%s\t%s\n", iface.Name, prefix, state)
		}
	})
	return nil
}

func (r *REPL) listNeighbors(args []string) error {
	r.table("Iface\tVIP\tUDPAddr", func(w io.Writer) {
		for _, iface := range r.ip.Interfaces {
			if !iface.Up() {
				continue
			}
			neighbors := iface.Neighbors()
			vips := make([]netip.Addr, 0, len(neighbors))
			for vip := range neighbors {
				vips = append(vips, vip)
			}
			sort.Slice(vips, func(i, j int) bool { return vips[i].Less(vips[j]) })
			for _, vip := range vips {
				fmt.Fprintf(w, "%s\t%s\t%s\n", iface.Name, vip, neighbors[vip])
			}
		}
	})
	return nil
}

func (r *REPL) listRoutes(args []string) error {
	r.table("T\tPrefix\tNext hop\tCost", func(w io.Writer) {
		for _, route := range r.ip.ForwardingTable.Routes() {
			nextHop := route.NextHop.String()
			if route.Type == ipstack.RouteLocal {
				nextHop = "LOCAL:" + route.Iface.Name
			}
			cost := strconv.Itoa(int(route.Cost))
			if route.Type == ipstack.RouteStatic {
				cost = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", route.Type.Letter(), route.Prefix, nextHop, cost)
		}
	})
	return nil
}

func (r *REPL) setUp(up bool) func([]string) error {
	return func(args []string) error {
		if len(args) != 1 {
			return errUsage
		}
		iface := r.ip.Interface(args[0])
		if iface == nil {
			return errors.Errorf("no interface %q", args[0])
		}
		iface.SetUp(up)
		return nil
	}
}

func (r *REPL) sendTest(args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	dst, err := netip.ParseAddr(args[0])
	if err != nil {
		return errors.Wrap(err, "bad address")
	}
	if err := r.ip.SendIP([]byte(args[1]), netip.Addr{}, dst, ipstack.ProtocolTest); err != nil {
		return err
	}
	r.printf("Sent %d bytes\n", len(args[1]))
	return nil
}

func parsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "bad port %q", s)
	}
	return uint16(port), nil
}

func parseSID(s string) (int, error) {
	sid, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "bad socket ID %q", s)
	}
	return sid, nil
}

// accept listens on a port and accepts connections in the background.
func (r *REPL) accept(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	port, err := parsePort(args[0])
	if err != nil {
		return err
	}
	l, err := r.sockets.VListen(port)
	if err != nil {
		return err
	}
	r.printf("Created listen socket with ID %d\n", l.SID)
	go func() {
		for {
			c, err := l.VAccept()
			if err != nil {
				return
			}
			_, them := c.Endpoints()
			r.printf("New connection on socket %d => created new socket %d (%s)\n", l.SID, c.SID, them)
		}
	}()
	return nil
}

func (r *REPL) connect(args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	addr, err := netip.ParseAddr(args[0])
	if err != nil {
		return errors.Wrap(err, "bad address")
	}
	port, err := parsePort(args[1])
	if err != nil {
		return err
	}
	c, err := r.sockets.VConnect(addr, port)
	if err != nil {
		return err
	}
	r.printf("Created new socket with ID %d\n", c.SID)
	return nil
}

func (r *REPL) sendTCP(args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	sid, err := parseSID(args[0])
	if err != nil {
		return err
	}
	c, err := r.sockets.Conn(sid)
	if err != nil {
		return err
	}
	n, err := c.VWrite([]byte(args[1]))
	if err != nil {
		return err
	}
	r.printf("Sent %d bytes\n", n)
	return nil
}

func (r *REPL) readTCP(args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	sid, err := parseSID(args[0])
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n <= 0 {
		return errUsage
	}
	c, err := r.sockets.Conn(sid)
	if err != nil {
		return err
	}
	buf := make([]byte, n)
	n, err = c.VRead(buf)
	if err != nil {
		return err
	}
	r.printf("Read %d bytes: %s\n", n, buf[:n])
	return nil
}

func (r *REPL) closeSocket(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	sid, err := parseSID(args[0])
	if err != nil {
		return err
	}
	if l, err := r.sockets.Listener(sid); err == nil {
		return l.VClose()
	}
	c, err := r.sockets.Conn(sid)
	if err != nil {
		return err
	}
	return c.VClose()
}

func (r *REPL) listSockets(args []string) error {
	rows := r.sockets.List()
	r.table("SID\tLAddr\tLPort\tRAddr\tRPort\tStatus", func(w io.Writer) {
		for _, row := range rows {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\t%s\n",
				row.SID, addrOrZero(row.Local.Addr), row.Local.Port,
				addrOrZero(row.Remote.Addr), row.Remote.Port, row.State)
		}
	})
	return nil
}

func addrOrZero(a netip.Addr) string {
	if !a.IsValid() {
		return netip.IPv4Unspecified().String()
	}
	return a.String()
}
