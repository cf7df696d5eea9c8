package mocks

//go:generate go run go.uber.org/mock/mockgen -destination=ports_mocks.go -package=mocks github.com/casetrail/tcm-ui-api/internal/ports AuditSink,Mailer
