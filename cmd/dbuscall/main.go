// Program dbuscall exercises a Connection against a live bus
// to show how the package can be configured and used.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/marselester/dbus"
)

func main() {
	// By default an exit code is set to indicate a failure
	// since there are more failure scenarios to begin with.
	exitCode := 1
	defer func() { os.Exit(exitCode) }()

	addr := flag.String("addr", "", "bus address, defaults to the system bus")
	session := flag.Bool("session", false, "use the session bus instead of the system bus")
	timeout := flag.Duration("timeout", 5*time.Second, "method call timeout")
	flag.Parse()

	opts := []dbus.Option{
		dbus.WithMethodCallTimeout(*timeout),
	}

	var (
		c   *dbus.Connection
		err error
	)
	switch {
	case *addr != "":
		c, err = dbus.NewConnection(*addr, opts...)
	case *session:
		c, err = dbus.DialSessionBus(opts...)
	default:
		c, err = dbus.DialSystemBus(opts...)
	}
	if err != nil {
		log.Print(err)
		return
	}

	c.AddEventListener(func(ev dbus.ConnectionEvent) {
		log.Print(ev)
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		log.Print(err)
		return
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Print(err)
		}
	}()

	if err := printID(c); err != nil {
		log.Print(err)
		return
	}
	if err := printNames(c); err != nil {
		log.Print(err)
		return
	}

	// The program terminates successfully.
	exitCode = 0
}

// printID calls org.freedesktop.DBus.GetId and prints the bus's unique
// identifier.
func printID(c *dbus.Connection) error {
	call := dbus.NewMethodCall("/org/freedesktop/DBus", "org.freedesktop.DBus", "GetId", "org.freedesktop.DBus")
	reply, err := c.SendRequest(call, 0)
	if err != nil {
		return fmt.Errorf("GetId: %w", err)
	}
	if len(reply.Body) != 1 {
		return fmt.Errorf("GetId: unexpected reply body %v", reply.Body)
	}
	fmt.Printf("bus id: %v\n", reply.Body[0])
	return nil
}

// printNames calls org.freedesktop.DBus.ListNames and prints every
// currently owned bus name.
func printNames(c *dbus.Connection) error {
	call := dbus.NewMethodCall("/org/freedesktop/DBus", "org.freedesktop.DBus", "ListNames", "org.freedesktop.DBus")
	reply, err := c.SendRequest(call, 0)
	if err != nil {
		return fmt.Errorf("ListNames: %w", err)
	}
	if len(reply.Body) != 1 {
		return fmt.Errorf("ListNames: unexpected reply body %v", reply.Body)
	}
	names, ok := reply.Body[0].([]interface{})
	if !ok {
		return fmt.Errorf("ListNames: unexpected reply type %T", reply.Body[0])
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}
