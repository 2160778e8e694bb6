// Package mcp exposes the daemon's control plane as Model Context
// Protocol tools over stdio.
package mcp

import (
	"context"

	"go.uber.org/zap"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/standardbeagle/semfold/internal/control"
	"github.com/standardbeagle/semfold/internal/logging"
	"github.com/standardbeagle/semfold/internal/version"
)

// Server is the MCP tool server over the control facade.
type Server struct {
	facade *control.Facade
	server *mcp.Server
	log    *zap.Logger
}

// NewServer builds the server and registers all tools.
func NewServer(facade *control.Facade) *Server {
	s := &Server{
		facade: facade,
		log:    logging.Named("mcp"),
	}
	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "semfold-mcp-server",
		Version: version.Version,
	}, nil)
	s.registerTools()
	return s
}

// Run serves tools over stdio until the context is cancelled or the
// client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("mcp server starting", zap.String("transport", "stdio"))
	return s.server.Run(ctx, &mcp.StdioTransport{})
}
