// Command demo starts a node in process and walks through the three
// runtime features: a tick driven job publishing client notifications, a
// session polling for them, and a long request cancelled by its caller.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/scout-runtime/internal/config"
	"github.com/ChuLiYu/scout-runtime/internal/controller"
	"github.com/ChuLiYu/scout-runtime/internal/logging"
	"github.com/ChuLiYu/scout-runtime/internal/notification"
	"github.com/ChuLiYu/scout-runtime/internal/scheduler"
	"github.com/ChuLiYu/scout-runtime/internal/services"
	"github.com/ChuLiYu/scout-runtime/internal/ticker"
	"github.com/ChuLiYu/scout-runtime/internal/tunnel"
	"github.com/ChuLiYu/scout-runtime/pkg/types"
)

func main() {
	cfg := config.Default()
	cfg.Scheduler.Granularity = "second"
	cfg.Metrics.Enabled = false
	cfg.Log.Level = "warn"

	logger, level, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}

	ctrl, err := controller.NewController(cfg,
		controller.WithLogger(logger, &level),
		controller.WithListener(lis))
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	// every 3 seconds: tell alice the clock moved
	heartbeat := scheduler.NewFuncJob("demo", "heartbeat",
		func(tick ticker.TickSignal) bool { return tick.Second()%3 == 0 },
		func(_ context.Context, _ *scheduler.Scheduler, tick ticker.TickSignal) error {
			return ctrl.Queue().Put(
				&notification.Message{Name: "heartbeat", CoalesceKey: "clock", Body: tick.String()},
				notification.NewUserFilter("alice", time.Minute))
		})
	if err := ctrl.Scheduler().AddJob(heartbeat); err != nil {
		log.Fatalf("Failed to add job: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	fmt.Printf("✓ Node started on %s\n", lis.Addr())

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	alice := tunnel.NewClient(conn,
		tunnel.WithSession(types.Session{ID: "demo-alice", UserID: "alice"}),
		tunnel.WithPollInterval(100*time.Millisecond))

	// 1. notifications
	fmt.Println("\n📬 Waiting for heartbeat notifications (up to 4s)...")
	var ns []tunnel.WireNotification
	if err := alice.CallInto(ctx, &ns, services.NotificationConsumerService, "getNextNotifications", 4000); err != nil {
		log.Fatalf("Poll failed: %v", err)
	}
	for _, n := range ns {
		fmt.Printf("  └─ %s: %v\n", n.Kind, n.Body)
	}

	// 2. cancellation
	fmt.Println("\n⏳ Calling DiagnosticService.sleep(30s) with a 1s deadline...")
	callCtx, cancel := context.WithTimeout(ctx, time.Second)
	start := time.Now()
	resp := alice.Invoke(callCtx, services.DiagnosticService, "sleep", 30000)
	cancel()
	if resp.Interrupted() {
		fmt.Printf("✓ Request cancelled on the server after %s: %v\n", time.Since(start).Round(time.Millisecond), resp.Err)
	} else {
		fmt.Printf("⚠️  Unexpected result: data=%v err=%v\n", resp.Data, resp.Err)
	}

	// 3. status
	status := ctrl.GetStatus()
	fmt.Printf("\n📊 Status:\n")
	fmt.Printf("  Jobs:                 %v\n", status["jobs"])
	fmt.Printf("  Queued notifications: %v\n", status["queued_notifications"])
	fmt.Printf("  Active transactions:  %v\n", status["active_transactions"])

	fmt.Println("\n💡 Press Ctrl+C to stop")
	<-ctx.Done()

	fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := ctrl.Stop(shutdownCtx); err != nil {
		log.Printf("Stop: %v", err)
	}
	fmt.Println("✓ Controller stopped")
}
