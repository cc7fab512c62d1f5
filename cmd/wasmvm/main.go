// wasmvm 燃料计量的 Wasm 合约引擎命令行工具
package main

func main() {
	Execute()
}
