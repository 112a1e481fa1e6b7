package banner

import (
	"fmt"
)

const banner = `
███╗   ███╗███████╗██████╗  █████╗ ██╗  ██╗███████╗████████╗ ██████╗ ██████╗ ███████╗
████╗ ████║██╔════╝██╔══██╗██╔══██╗██║ ██╔╝██╔════╝╚══██╔══╝██╔═══██╗██╔══██╗██╔════╝
██╔████╔██║█████╗  ██████╔╝███████║█████╔╝ ███████╗   ██║   ██║   ██║██████╔╝█████╗
██║╚██╔╝██║██╔══╝  ██╔══██╗██╔══██║██╔═██╗ ╚════██║   ██║   ██║   ██║██╔══██╗██╔══╝
██║ ╚═╝ ██║███████╗██║  ██║██║  ██║██║  ██╗███████║   ██║   ╚██████╔╝██║  ██║███████╗
╚═╝     ╚═╝╚══════╝╚═╝  ╚═╝╚═╝  ╚═╝╚═╝  ╚═╝╚══════╝   ╚═╝    ╚═════╝ ╚═╝  ╚═╝╚══════╝
`

// Print writes the startup banner with the effective runtime settings.
func Print(addr, backend, dbPath, sources, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("Backend:  %s\n", backend)
	if dbPath != "" {
		fmt.Printf("DB Path:  %s\n", dbPath)
	}
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	if sources != "" {
		fmt.Printf("Config sources: %s\n", sources)
	}
	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("POST  /v1/threads                               - Create a thread")
	fmt.Println("GET   /v1/threads?cursor=<c>&limit=<n>          - List threads, most recent first")
	fmt.Println("GET   /v1/threads/{id}                          - Fetch a thread")
	fmt.Println("POST  /v1/threads/{id}/items                    - Append an item")
	fmt.Println("GET   /v1/threads/{id}/items?order=asc|desc     - List items")
	fmt.Println("PATCH /v1/threads/{id}/items/{item}             - Complete a pending tool call")
	fmt.Println("POST  /v1/search                                - Vector search")
	fmt.Println("\n== Production? =================================================")
	fmt.Println("Set auth.jwt_secret or auth.backend_keys; all /v1 routes require identity")
	fmt.Println("Use the pebble or redis backend; memory loses state on restart")
}
