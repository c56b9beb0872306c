package target

// builtinTargets seeds the default registry with common chips so
// attach and memory access work before any pack is imported. None of
// these carry a flash algorithm; programming needs the vendor pack.
var builtinTargets = []Descriptor{
	{
		Name:   "STM32F103C8",
		Vendor: "STMicroelectronics",
		Core:   "Cortex-M3",
		Memory: []MemoryRegion{
			{Name: "IROM1", Kind: "flash", Start: 0x08000000, Size: 0x10000, Default: true},
			{Name: "IRAM1", Kind: "ram", Start: 0x20000000, Size: 0x5000, Default: true},
		},
	},
	{
		Name:   "STM32F103CB",
		Vendor: "STMicroelectronics",
		Core:   "Cortex-M3",
		Memory: []MemoryRegion{
			{Name: "IROM1", Kind: "flash", Start: 0x08000000, Size: 0x20000, Default: true},
			{Name: "IRAM1", Kind: "ram", Start: 0x20000000, Size: 0x5000, Default: true},
		},
	},
	{
		Name:   "STM32F407VG",
		Vendor: "STMicroelectronics",
		Core:   "Cortex-M4",
		FPU:    true,
		MPU:    true,
		Memory: []MemoryRegion{
			{Name: "IROM1", Kind: "flash", Start: 0x08000000, Size: 0x100000, Default: true},
			{Name: "IRAM1", Kind: "ram", Start: 0x20000000, Size: 0x20000, Default: true},
			{Name: "CCM", Kind: "ram", Start: 0x10000000, Size: 0x10000},
		},
	},
	{
		Name:   "STM32F411CE",
		Vendor: "STMicroelectronics",
		Core:   "Cortex-M4",
		FPU:    true,
		MPU:    true,
		Memory: []MemoryRegion{
			{Name: "IROM1", Kind: "flash", Start: 0x08000000, Size: 0x80000, Default: true},
			{Name: "IRAM1", Kind: "ram", Start: 0x20000000, Size: 0x20000, Default: true},
		},
	},
	{
		Name:   "STM32G071RB",
		Vendor: "STMicroelectronics",
		Core:   "Cortex-M0+",
		Memory: []MemoryRegion{
			{Name: "IROM1", Kind: "flash", Start: 0x08000000, Size: 0x20000, Default: true},
			{Name: "IRAM1", Kind: "ram", Start: 0x20000000, Size: 0x9000, Default: true},
		},
	},
	{
		Name:   "GD32F407VE",
		Vendor: "GigaDevice",
		Core:   "Cortex-M4",
		FPU:    true,
		Memory: []MemoryRegion{
			{Name: "IROM1", Kind: "flash", Start: 0x08000000, Size: 0x80000, Default: true},
			{Name: "IRAM1", Kind: "ram", Start: 0x20000000, Size: 0x20000, Default: true},
		},
	},
	{
		Name:   "GD32F407",
		Vendor: "GigaDevice",
		Core:   "Cortex-M4",
		FPU:    true,
		Memory: []MemoryRegion{
			{Name: "IROM1", Kind: "flash", Start: 0x08000000, Size: 0x100000, Default: true},
			{Name: "IRAM1", Kind: "ram", Start: 0x20000000, Size: 0x30000, Default: true},
		},
	},
	{
		Name:   "nRF52832_xxAA",
		Vendor: "NordicSemiconductor",
		Core:   "Cortex-M4",
		FPU:    true,
		Memory: []MemoryRegion{
			{Name: "IROM1", Kind: "flash", Start: 0x00000000, Size: 0x80000, Default: true},
			{Name: "IRAM1", Kind: "ram", Start: 0x20000000, Size: 0x10000, Default: true},
		},
	},
	{
		Name:   "RP2040",
		Vendor: "RaspberryPi",
		Core:   "Cortex-M0+",
		Memory: []MemoryRegion{
			{Name: "FLASH", Kind: "flash", Start: 0x10000000, Size: 0x200000, Default: true},
			{Name: "SRAM", Kind: "ram", Start: 0x20000000, Size: 0x42000, Default: true},
		},
	},
}
