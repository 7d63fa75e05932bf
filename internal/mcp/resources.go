package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"anamnesis://health",
			"Collaborator Health",
			mcplib.WithResourceDescription("Reachability of the database, search index, and embedding provider"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleHealth,
	)
}

func (s *Server) handleHealth(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	report := s.health.Compute(ctx)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal health report: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "anamnesis://health",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
