package agentconfig

import (
	"os"
	"time"
)

const webExtractionPrompt = `You are a helpful AI assistant specializing in web extraction and content analysis.
Your capabilities include:
- Extracting structured data from web pages
- Analyzing web content and organizing it
- Providing detailed information from web sources

Always:
- Be accurate and precise in your extraction
- Maintain data structure and hierarchy
- Ask for clarification if needed
- Format responses clearly
`

// Preset returns the web-extraction starter configuration: Firecrawl always,
// Airbnb and Google Maps when ENABLE_AIRBNB_MCP / ENABLE_GOOGLE_MAPS_MCP are
// set, and the default extraction prompt active.
func Preset() *Configuration {
	cfg := Default()
	timeout := Duration(30 * time.Second)

	cfg.Tools["firecrawl"] = ToolConfig{
		Name:    "firecrawl",
		Enabled: true,
		Connection: ConnectionDescriptor{
			Transport: TransportStdio,
			Command:   "npx",
			Args:      []string{"-y", "firecrawl-mcp"},
			Env:       map[string]string{"FIRECRAWL_API_KEY": "${FIRECRAWL_API_KEY}"},
			Timeout:   timeout,
		},
		Description: "Web scraping and content extraction using Firecrawl",
	}

	if os.Getenv("ENABLE_AIRBNB_MCP") != "" {
		cfg.Tools["airbnb"] = ToolConfig{
			Name:    "airbnb",
			Enabled: true,
			Connection: ConnectionDescriptor{
				Transport: TransportStdio,
				Command:   "npx",
				Args:      []string{"-y", "@openbnb/mcp-server-airbnb", "--ignore-robots-txt"},
				Timeout:   timeout,
			},
			Description: "Airbnb property search and information",
		}
	}

	if os.Getenv("ENABLE_GOOGLE_MAPS_MCP") != "" {
		cfg.Tools["google_maps"] = ToolConfig{
			Name:    "google_maps",
			Enabled: true,
			Connection: ConnectionDescriptor{
				Transport: TransportStdio,
				Command:   "npx",
				Args:      []string{"-y", "@modelcontextprotocol/server-google-maps"},
				Env:       map[string]string{"GOOGLE_MAPS_API_KEY": "${GOOGLE_MAPS_API_KEY}"},
				Timeout:   timeout,
			},
			Description: "Google Maps location and routing information",
		}
	}

	cfg.Prompts["default"] = PromptConfig{
		Name:        "default",
		Content:     webExtractionPrompt,
		Active:      true,
		Description: "Default web extraction assistant prompt",
		Version:     "1.0",
	}
	return cfg
}
