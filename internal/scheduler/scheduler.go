package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultReportSpec ежедневно в 21:00 UTC
const DefaultReportSpec = "0 21 * * *"

// Scheduler запускает ежедневный отчет о расходе ресурсов
type Scheduler struct {
	cron       *cron.Cron
	ctx        context.Context
	cancel     context.CancelFunc
	spec       string
	reportFunc func(ctx context.Context) error
}

// New создает планировщик; пустой spec означает DefaultReportSpec
func New(spec string) *Scheduler {
	if spec == "" {
		spec = DefaultReportSpec
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		ctx:    ctx,
		cancel: cancel,
		spec:   spec,
	}
}

// SetReportFunction устанавливает функцию для генерации отчетов
func (s *Scheduler) SetReportFunction(f func(ctx context.Context) error) {
	s.reportFunc = f
}

// Start регистрирует задачу и запускает планировщик
func (s *Scheduler) Start() error {
	if s.reportFunc == nil {
		log.Println("⚠️ Report function not set, scheduler will not generate reports")
		return nil
	}

	_, err := s.cron.AddFunc(s.spec, func() { s.runReport() })
	if err != nil {
		return fmt.Errorf("invalid report schedule %q: %w", s.spec, err)
	}

	s.cron.Start()
	log.Printf("📅 Scheduler started - usage reports on %q (UTC)", s.spec)
	return nil
}

func (s *Scheduler) runReport() {
	log.Println("🕘 Triggered usage report")
	if err := s.reportFunc(s.ctx); err != nil {
		log.Printf("❌ Usage report failed: %v", err)
	}
}

// Stop останавливает планировщик и дожидается запущенных задач
func (s *Scheduler) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	if s.cancel != nil {
		s.cancel()
	}
	log.Println("📅 Scheduler stopped")
}

// IsRunning проверяет, есть ли зарегистрированные задачи
func (s *Scheduler) IsRunning() bool {
	return s.cron != nil && len(s.cron.Entries()) > 0
}
