// Command edgeproxy is a credential-holding proxy in front of text-generation,
// OCR and code-search APIs.
//
// Usage:
//
//	# Start the server (the default action)
//	edgeproxy serve --config config.yaml
//
//	# Show the fallback order a prompt would walk
//	edgeproxy candidates --model mistralai/mistral-7b-instruct:free
//
//	# Show version information
//	edgeproxy version
package main

func main() {
	Execute()
}
