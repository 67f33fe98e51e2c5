package classify

// Feature codes (ftCode) of the GSI base map data, grouped by target layer.
// See https://www.gsi.go.jp/common/000195806.pdf and https://www.gsi.go.jp/common/000080761.pdf
var (
	natureCodes = []string{
		"5521", "5801", "7351", "7352", "7353", "7371", "7372", "7373", "7401", "7402",
		"7403", "7501", "7502", "7509", "7511", "7512", "7513", "7521", "7531", "7532",
		"7533", "7541", "7551", "7561", "7571", "7572", "7601", "7621",
	}
	waterCodes = []string{
		"5100", "5101", "5102", "5103", "5111", "5121", "5188", "5199", "5200", "5201",
		"5202", "5203", "5211", "5212", "5221", "5231", "5232", "5233", "5242", "5251",
		"5288", "5299", "5301", "5302", "5311", "5312", "5321", "5322", "5331", "5388",
		"5399", "5911",
	}
	boundaryCodes = []string{
		"1103", "1104", "1201", "1202", "1203", "1204", "1208", "1209", "1211", "1212",
		"1218", "1219", "1221", "1222", "1288", "1299", "1301", "1302", "1303", "1304",
		"1388", "1399", "1601", "1688", "1699", "1701", "1801", "6101", "8104", "8205",
	}
	// city blocks and their representative points
	blockCodes = []string{"1601", "1688", "1699", "1701", "1801"}
	// road edges, road structure lines and road area boundaries
	roadEdgeCodes = []string{
		"2200", "2201", "2202", "2203", "2204", "2221", "2222", "2223", "2224", "2241",
		"2242", "2243", "2244", "2251", "2271", "2272", "2273", "2274", "2288", "2299",
		"2401", "2411", "2412", "2501",
	}
	roadCentreCodes = []string{
		"2701", "2702", "2703", "2704", "2711", "2712", "2713", "2714", "2721", "2722",
		"2723", "2724", "2731", "2732", "2733", "2734", "2788", "2799",
	}
	railwayCodes = []string{
		"2801", "2802", "2803", "2804", "2805", "2806", "2811", "2812", "2813", "2814",
		"2815", "2816", "2821", "2822", "2823", "2824", "2825", "2826", "2831", "2832",
		"2833", "2834", "2835", "2836", "2841", "2842", "2843", "2844", "2845", "2846",
		"2888", "2899", "8201",
	}
	routeCodes     = []string{"5901", "5902"}
	structureCodes = []string{
		"2901", "2902", "2903", "2904", "2911", "2921", "2922", "2931", "2941", "2942",
		"2943", "2944", "2945", "4201", "4202", "4301", "4302", "5501", "5514", "5515",
		"5532", "5551", "8202", "8206",
	}
	buildingCodes = []string{"3101", "3102", "3103", "3111", "3112", "3177", "3188", "3199"}
	// building footprints whose zoom range depends on their area
	buildingAreaCode = "3177"
	placeCodes       = []string{
		"100", "200", "300", "0110", "0120", "0210", "0220", "0311", "0312", "0313",
		"0321", "0322", "0323", "0331", "0332", "0341", "0342", "0343", "0351", "0352",
		"0353", "0411", "0412", "0413", "0421", "0422", "0423", "0431", "0432", "0441",
		"0511", "0521", "0522", "0523", "0531", "0532", "0533", "0534", "0611", "0612",
		"0613", "0615", "0621", "0631", "0632", "0633", "0634", "0651", "0653", "0654",
		"0661", "0662", "0671", "0672", "0673", "0681", "0710", "0720", "0999", "3200",
		"3201", "3202", "3203", "3204", "3205", "3206", "3207", "3211", "3212", "3213",
		"3214", "3215", "3216", "3217", "3218", "3219", "3221", "3231", "3232", "3241",
		"3242", "3243", "3244", "3251", "3261", "4101", "4102", "4103", "4104", "6201",
		"6301", "6311", "6312", "6313", "6314", "6321", "6322", "6323", "6324", "6325",
		"6326", "6327", "6331", "6332", "6341", "6342", "6351", "6361", "6362", "6371",
		"6373", "6381", "7101", "7102", "7103", "7104", "7105", "7106", "7107", "7108",
		"7111", "7121", "7122", "7131", "7188", "7201", "7202", "7211", "7212", "7288",
		"7299", "7221", "7701", "7711", "8103", "8105", "8301",
	}
)
